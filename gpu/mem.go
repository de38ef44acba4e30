package gpu

import (
	"runtime"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AllocHooks receives the accounting callbacks fired around every device
// allocation and free. It is the boundary to the host memory-tracking
// subsystem; a nil hook set disables accounting.
type AllocHooks interface {
	AllocPre(size uintptr, desc string)
	AllocPost(ptr unsafe.Pointer, size uintptr, desc string)
	FreePre(ptr unsafe.Pointer)
}

func (c *Context) allocPre(size uintptr, desc string) {
	if c.hooks != nil {
		c.hooks.AllocPre(size, desc)
	}
}

func (c *Context) allocPost(ptr unsafe.Pointer, size uintptr, desc string) {
	if c.hooks != nil {
		c.hooks.AllocPost(ptr, size, desc)
	}
}

func (c *Context) freePre(ptr unsafe.Pointer) {
	if c.hooks != nil {
		c.hooks.FreePre(ptr)
	}
}

// allocTarget resolves the device the calling task's allocation lands on.
func (c *Context) allocTarget() (SublocID, error) {
	dev := c.Subloc()
	if !dev.IsDevice() {
		return 0, errors.Errorf("device allocation requested from host sublocale %d", dev)
	}
	return dev, nil
}

// memAllocOn switches to dev and allocates size bytes there, firing the
// accounting hooks around the backend call. size must be positive.
func (c *Context) memAllocOn(dev SublocID, size uintptr, desc string, array bool) (unsafe.Pointer, error) {
	if err := c.switchTo(dev); err != nil {
		return nil, err
	}
	c.allocPre(size, desc)
	var ptr unsafe.Pointer
	var err error
	if array {
		ptr, err = c.backend.MemArrayAlloc(size)
	} else {
		ptr, err = c.backend.MemAlloc(size)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %d bytes on device %d", size, dev)
	}
	c.allocPost(ptr, size, desc)
	c.diags.tracef("Allocated %s (%s) at %p on device %d", humanize.IBytes(uint64(size)), desc, ptr, dev)
	return ptr, nil
}

// memFreeOn switches to dev and releases ptr there. A nil ptr is a no-op.
func (c *Context) memFreeOn(dev SublocID, ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	if err := c.switchTo(dev); err != nil {
		return err
	}
	c.freePre(ptr)
	if err := c.backend.MemFree(ptr); err != nil {
		return errors.WithMessagef(err, "failed to free device pointer %p", ptr)
	}
	c.diags.tracef("Released %p on device %d", ptr, dev)
	return nil
}

// MemAlloc allocates size bytes of non-array device memory on the calling
// task's sublocale. A zero size returns a nil pointer without touching the
// backend.
func (c *Context) MemAlloc(size uintptr, desc string) (unsafe.Pointer, error) {
	if size == 0 {
		c.diags.tracef("MemAlloc(%s) returning nil (size was 0)", desc)
		return nil, nil
	}
	dev, err := c.allocTarget()
	if err != nil {
		return nil, err
	}
	return c.memAllocOn(dev, size, desc, false)
}

// MemArrayAlloc allocates size bytes of array device memory. It is distinct
// from MemAlloc because under the ArrayOnDevice strategy array data and
// other data use different physical placement.
func (c *Context) MemArrayAlloc(size uintptr, desc string) (unsafe.Pointer, error) {
	if size == 0 {
		c.diags.tracef("MemArrayAlloc(%s) returning nil (size was 0)", desc)
		return nil, nil
	}
	dev, err := c.allocTarget()
	if err != nil {
		return nil, err
	}
	return c.memAllocOn(dev, size, desc, true)
}

// MemFree releases a device allocation. A nil pointer is a no-op.
func (c *Context) MemFree(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	dev, err := c.allocTarget()
	if err != nil {
		return err
	}
	return c.memFreeOn(dev, ptr)
}

// MemCalloc allocates count*size zero-initialized bytes on the device.
//
// It stages a zeroed host buffer and copies it over, which preserves the
// observable semantics at the cost of a host allocation and a full copy.
// TODO: use the backend's memset to skip the host round trip.
func (c *Context) MemCalloc(count, size uintptr, desc string) (unsafe.Pointer, error) {
	if count == 0 || size == 0 {
		c.diags.tracef("MemCalloc(%s) returning nil (size was 0)", desc)
		return nil, nil
	}
	total := count * size
	hostMem := make([]byte, total)

	dev, err := c.allocTarget()
	if err != nil {
		return nil, err
	}
	ptr, err := c.memAllocOn(dev, total, desc, false)
	if err != nil {
		return nil, err
	}
	if copyErr := c.backend.CopyHostToDevice(ptr, unsafe.Pointer(&hostMem[0]), total); copyErr != nil {
		// The allocation is scoped to this call until it is zeroed.
		copyErr = errors.WithMessage(copyErr, "failed to zero-fill device allocation")
		return nil, multierror.Append(copyErr, c.memFreeOn(dev, ptr)).ErrorOrNil()
	}
	runtime.KeepAlive(hostMem)
	return ptr, nil
}

// MemRealloc resizes a device allocation. Resizing to the current size
// returns ptr unchanged; otherwise the first min(old, new) bytes move to a
// fresh allocation device-to-device and the old one is freed.
func (c *Context) MemRealloc(ptr unsafe.Pointer, size uintptr, desc string) (unsafe.Pointer, error) {
	c.assertDevicePtr(ptr, "MemRealloc target")
	dev, err := c.allocTarget()
	if err != nil {
		return nil, err
	}
	if err := c.switchTo(dev); err != nil {
		return nil, err
	}

	// Backends whose device memory is host memory reallocate in place.
	if r, ok := c.backend.(HostReallocator); ok {
		return r.MemRealloc(ptr, size)
	}

	curSize := c.backend.AllocSize(ptr)
	if size == curSize {
		return ptr, nil
	}
	if size == 0 {
		return nil, c.memFreeOn(dev, ptr)
	}

	newPtr, err := c.memAllocOn(dev, size, desc, false)
	if err != nil {
		return nil, err
	}
	copySize := min(size, curSize)
	if copySize > 0 {
		if copyErr := c.backend.CopyDeviceToDevice(newPtr, ptr, copySize); copyErr != nil {
			// Release the new allocation; the original stays valid, like a
			// failed realloc.
			copyErr = errors.WithMessage(copyErr, "failed to move reallocated bytes")
			return nil, multierror.Append(copyErr, c.memFreeOn(dev, newPtr)).ErrorOrNil()
		}
	}
	if err := c.memFreeOn(dev, ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}

// MemAlignedAlloc is unsupported: devices impose a fixed allocation
// alignment this layer does not override.
func (c *Context) MemAlignedAlloc(boundary, size uintptr, desc string) unsafe.Pointer {
	klog.Fatalf("Allocating aligned GPU memory is not supported (boundary=%d, size=%d, desc=%s)", boundary, size, desc)
	return nil
}

// AllocSize reports the size of the allocation ptr belongs to.
func (c *Context) AllocSize(ptr unsafe.Pointer) uintptr {
	return c.backend.AllocSize(ptr)
}

// HostmemRegister page-locks an existing host allocation so device DMA can
// reach it directly.
func (c *Context) HostmemRegister(ptr unsafe.Pointer, size uintptr) error {
	c.diags.tracef("HostmemRegister: %p, %s", ptr, humanize.IBytes(uint64(size)))
	return c.backend.HostmemRegister(ptr, size)
}
