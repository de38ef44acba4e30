package gpu

import (
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// kernelArgDesc is the allocation description used for staged kernel
// arguments.
const kernelArgDesc = "gpu kernel argument"

// Launch stages the kernel's arguments, dispatches it on the target device
// and blocks until device execution completes.
//
// By-value arguments (Size > 0) are staged into fresh device buffers that
// live exactly as long as this call; pass-through arguments (Size == 0) are
// handed to the kernel unmodified and never freed here. The kernel-launch
// counter is incremented exactly once per call, whatever the argument count.
func (c *Context) Launch(cfg LaunchConfig) (err error) {
	dev := cfg.Subloc
	if !dev.IsDevice() {
		dev = c.Subloc()
	}
	if !dev.IsDevice() {
		return errors.Errorf("kernel %q launched from host sublocale %d", cfg.Name, dev)
	}

	c.diags.tracef("Kernel launcher called (device %d)\n\tKernel: %s\n\tNumArgs: %d",
		dev, cfg.Name, len(cfg.Args))

	if err := c.switchTo(dev); err != nil {
		return err
	}
	if int(dev) >= len(c.modules) {
		return errors.Errorf("no compute module loaded for device %d", dev)
	}
	fn, err := c.backend.LoadFunction(c.modules[dev], cfg.Name)
	if err != nil {
		return errors.WithMessagef(err, "failed to resolve kernel %q on device %d", cfg.Name, dev)
	}

	params := make([]unsafe.Pointer, len(cfg.Args))
	staged := make([]unsafe.Pointer, 0, len(cfg.Args))
	defer func() {
		// Staged buffers are scoped to this launch: each is freed exactly
		// once, on every exit path. Pass-through pointers stay untouched.
		var errs *multierror.Error
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, ptr := range staged {
			if freeErr := c.memFreeOn(dev, ptr); freeErr != nil {
				errs = multierror.Append(errs, freeErr)
			}
		}
		err = errs.ErrorOrNil()
	}()

	for i, arg := range cfg.Args {
		if arg.Size == 0 {
			params[i] = arg.Ptr
			c.diags.tracef("\tKernel parameter %d: %p", i, arg.Ptr)
			continue
		}
		devPtr, allocErr := c.memAllocOn(dev, arg.Size, kernelArgDesc, false)
		if allocErr != nil {
			return allocErr
		}
		staged = append(staged, devPtr)
		if copyErr := c.backend.CopyHostToDevice(devPtr, arg.Ptr, arg.Size); copyErr != nil {
			return errors.WithMessagef(copyErr, "failed to stage kernel parameter %d", i)
		}
		params[i] = devPtr
		c.diags.tracef("\tKernel parameter %d: %p (staged, %d bytes)", i, devPtr, arg.Size)
	}

	c.diags.incr(counterKernelLaunch)
	c.diags.tracef("Launching %s on device %d: grid=%s block=%s", cfg.Name, dev, cfg.Grid, cfg.Block)

	if launchErr := c.backend.LaunchKernel(fn, cfg.Grid, cfg.Block, params); launchErr != nil {
		return errors.WithMessagef(launchErr, "kernel %q failed on device %d", cfg.Name, dev)
	}

	c.diags.tracef("Kernel launcher returning (device %d)\n\tKernel: %s", dev, cfg.Name)
	return nil
}

// LaunchFlat dispatches a kernel over a flat iteration space: numThreads
// total threads in 1-D blocks of blockDim, grid = ceil(numThreads/blockDim).
func (c *Context) LaunchFlat(name string, numThreads int64, blockDim int, args ...KernelArg) error {
	if blockDim <= 0 {
		return errors.Errorf("kernel %q launched with non-positive block dimension %d", name, blockDim)
	}
	grid := int((numThreads + int64(blockDim) - 1) / int64(blockDim))
	return c.Launch(LaunchConfig{
		Subloc: SublocAny,
		Name:   name,
		Grid:   Dim3{X: grid, Y: 1, Z: 1},
		Block:  Dim3{X: blockDim, Y: 1, Z: 1},
		Args:   args,
	})
}
