package cpu

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xianghao-wang/chapel/gpu"
)

// KernelFunc is a host-compiled kernel body. It receives the launch
// dimensions and the resolved argument pointers; staged by-value arguments
// arrive as device pointers, like on a real accelerator.
type KernelFunc func(grid, block gpu.Dim3, args []unsafe.Pointer)

// deviceModule is one device's instance of the compute module: the kernel
// table plus module-resident global storage.
type deviceModule struct {
	dev     gpu.SublocID
	globals map[string][]byte
}

// RegisterKernel adds a kernel to the table LoadFunction resolves from. It
// may be called any time before the kernel is launched.
func (b *Backend) RegisterKernel(name string, fn KernelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[name] = fn
}

// LoadModule implements gpu.Backend. The binary is ignored: kernels are
// host functions registered on the backend, and each device gets its own
// module instance with its own global storage.
func (b *Backend) LoadModule(dev gpu.SublocID, binary []byte) (gpu.Module, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkDevice(dev); err != nil {
		return nil, err
	}
	m := &deviceModule{
		dev: dev,
		globals: map[string][]byte{
			gpu.NodeIDGlobal: make([]byte, 4),
		},
	}
	b.modules[m] = struct{}{}
	return m, nil
}

// UnloadModule implements gpu.Backend.
func (b *Backend) UnloadModule(module gpu.Module) error {
	m, ok := module.(*deviceModule)
	if !ok {
		return errors.Errorf("unload of a module not created by the cpu backend (%T)", module)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.modules[m]; !found {
		return errors.New("module already unloaded")
	}
	delete(b.modules, m)
	return nil
}

// LoadFunction implements gpu.Backend.
func (b *Backend) LoadFunction(module gpu.Module, name string) (gpu.Function, error) {
	if _, ok := module.(*deviceModule); !ok {
		return nil, errors.Errorf("module not created by the cpu backend (%T)", module)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fn, found := b.kernels[name]
	if !found {
		return nil, errors.Errorf("kernel %q not found in module", name)
	}
	return fn, nil
}

// GetGlobal implements gpu.Backend.
func (b *Backend) GetGlobal(module gpu.Module, name string) (unsafe.Pointer, uintptr, error) {
	m, ok := module.(*deviceModule)
	if !ok {
		return nil, 0, errors.Errorf("module not created by the cpu backend (%T)", module)
	}
	storage, found := m.globals[name]
	if !found {
		return nil, 0, errors.Errorf("module has no global %q", name)
	}
	return unsafe.Pointer(&storage[0]), uintptr(len(storage)), nil
}

// LaunchKernel implements gpu.Backend. Execution is synchronous: the kernel
// body runs to completion on the calling goroutine, which stands in for the
// device-side synchronization a real backend performs after dispatch.
func (b *Backend) LaunchKernel(fn gpu.Function, grid, block gpu.Dim3, args []unsafe.Pointer) error {
	kernel, ok := fn.(KernelFunc)
	if !ok {
		return errors.Errorf("function not created by the cpu backend (%T)", fn)
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 || block.X <= 0 || block.Y <= 0 || block.Z <= 0 {
		return errors.Errorf("invalid launch dimensions: grid=%s block=%s", grid, block)
	}
	kernel(grid, block, args)
	return nil
}
