package gpu

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xianghao-wang/chapel/internal/memutil"
)

// Memcpy moves n bytes between any two local pointers, each host- or
// device-resident.
//
// Under the Unified strategy both ends are transparently addressable and a
// plain move suffices. Under ArrayOnDevice, when either sublocale tag names
// a device, the physical residency of each pointer is re-queried from the
// backend: the tag is a logical hint, and values created on a device
// sublocale may still live in host memory. The copy path is dispatched on
// the 2x2 classification result.
func (c *Context) Memcpy(dstSubloc SublocID, dst unsafe.Pointer, srcSubloc SublocID, src unsafe.Pointer, n uintptr) error {
	if c.strategy == Unified {
		memutil.Memmove(dst, src, n)
		return nil
	}
	if !dstSubloc.IsDevice() && !srcSubloc.IsDevice() {
		memutil.Memmove(dst, src, n)
		return nil
	}

	dstOnHost := c.backend.IsHostPtr(dst)
	srcOnHost := c.backend.IsHostPtr(src)
	switch {
	case !dstOnHost && !srcOnHost:
		return c.copyDeviceToDevice(dstSubloc, dst, srcSubloc, src, n)
	case !dstOnHost:
		return c.copyHostToDevice(dstSubloc, dst, src, n)
	case !srcOnHost:
		return c.copyDeviceToHost(dst, srcSubloc, src, n)
	default:
		// Both ends carry device sublocale tags yet physically live on the
		// host: think of a copy between two scalars that happen to have
		// been created on a GPU sublocale.
		memutil.Memmove(dst, src, n)
		return nil
	}
}

func (c *Context) copyDeviceToDevice(dstDev SublocID, dst unsafe.Pointer, srcDev SublocID, src unsafe.Pointer, n uintptr) error {
	c.assertDevicePtr(src, "device-to-device copy source")
	c.assertDevicePtr(dst, "device-to-device copy destination")
	if err := c.switchTo(dstDev); err != nil {
		return err
	}
	c.diags.incr(counterDeviceToDevice)
	c.diags.tracef("Copying %s from device %d to device %d", humanize.IBytes(uint64(n)), srcDev, dstDev)
	if err := c.backend.CopyDeviceToDevice(dst, src, n); err != nil {
		return errors.WithMessagef(err, "device-to-device copy of %d bytes failed", n)
	}
	return nil
}

func (c *Context) copyDeviceToHost(dst unsafe.Pointer, srcDev SublocID, src unsafe.Pointer, n uintptr) error {
	c.assertDevicePtr(src, "device-to-host copy source")
	c.assertHostPtr(dst, "device-to-host copy destination")
	if err := c.switchTo(srcDev); err != nil {
		return err
	}
	c.diags.incr(counterDeviceToHost)
	c.diags.tracef("Copying %s from device %d to host", humanize.IBytes(uint64(n)), srcDev)
	if err := c.backend.CopyDeviceToHost(dst, src, n); err != nil {
		return errors.WithMessagef(err, "device-to-host copy of %d bytes failed", n)
	}
	return nil
}

func (c *Context) copyHostToDevice(dstDev SublocID, dst unsafe.Pointer, src unsafe.Pointer, n uintptr) error {
	c.assertDevicePtr(dst, "host-to-device copy destination")
	c.assertHostPtr(src, "host-to-device copy source")
	if err := c.switchTo(dstDev); err != nil {
		return err
	}
	c.diags.incr(counterHostToDevice)
	c.diags.tracef("Copying %s from host to device %d", humanize.IBytes(uint64(n)), dstDev)
	if err := c.backend.CopyHostToDevice(dst, src, n); err != nil {
		return errors.WithMessagef(err, "host-to-device copy of %d bytes failed", n)
	}
	return nil
}

// Memset fills n bytes of device memory at ptr with val.
func (c *Context) Memset(ptr unsafe.Pointer, val byte, n uintptr) error {
	c.diags.tracef("Memset of %s at %p, val=%d", humanize.IBytes(uint64(n)), ptr, val)
	return c.backend.Memset(ptr, val, n)
}

// TransferHandle identifies one in-flight asynchronous copy. It must be
// waited on exactly once.
type TransferHandle struct {
	id      uuid.UUID
	backend any
	waited  bool
}

// AsyncCopy starts an asynchronous transfer between host and device memory
// and returns immediately. At least one endpoint must be device-resident.
func (c *Context) AsyncCopy(dst, src unsafe.Pointer, n uintptr) (*TransferHandle, error) {
	if debugChecks && !c.backend.IsDevicePtr(dst) && !c.backend.IsDevicePtr(src) {
		panic("gpu: async copy with no device-resident endpoint")
	}
	handle, err := c.backend.AsyncCopy(dst, src, n)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to start async copy of %d bytes", n)
	}
	t := &TransferHandle{id: uuid.New(), backend: handle}
	c.diags.tracef("Async copy %s started: %s between %p and %p", t.id, humanize.IBytes(uint64(n)), dst, src)
	return t, nil
}

// Wait blocks the calling task until the transfer completes, then
// invalidates the handle.
func (c *Context) Wait(t *TransferHandle) error {
	if t == nil || t.waited {
		return errors.New("wait on an invalid or already-waited transfer handle")
	}
	t.waited = true
	if err := c.backend.WaitTransfer(t.backend); err != nil {
		return errors.WithMessagef(err, "async copy %s failed", t.id)
	}
	c.diags.tracef("Async copy %s complete", t.id)
	return nil
}
