package cpu

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xianghao-wang/chapel/gpu"
	"github.com/xianghao-wang/chapel/internal/memutil"
)

// deviceAlignment is the fixed alignment real accelerators report for
// device allocations; the emulation honors it so pointer arithmetic in
// kernels behaves the same.
const deviceAlignment = 256

// allocKind is the physical backing a real driver would report for an
// allocation.
type allocKind int

const (
	kindDevice allocKind = iota
	kindPinnedHost
	kindUnified
)

type allocation struct {
	raw  []byte // backing array, including alignment slack
	data unsafe.Pointer
	size uintptr
	kind allocKind
}

// newAllocation over-allocates and offsets into the backing array to hand
// out deviceAlignment-aligned storage, keeping the raw slice alive for the
// allocation's lifetime.
func newAllocation(size uintptr, kind allocKind) *allocation {
	raw := make([]byte, size+deviceAlignment)
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := (deviceAlignment - base%deviceAlignment) % deviceAlignment
	return &allocation{
		raw:  raw,
		data: unsafe.Pointer(&raw[offset]),
		size: size,
		kind: kind,
	}
}

// findAllocLocked returns the allocation containing ptr, or nil. Interior
// pointers are matched, like a driver's pointer-attribute query would.
func (b *Backend) findAllocLocked(ptr unsafe.Pointer) *allocation {
	p := uintptr(ptr)
	for base, a := range b.allocs {
		if base <= p && p < base+a.size {
			return a
		}
	}
	return nil
}

// IsDevicePtr implements gpu.Backend: true for any pointer the emulated
// driver knows about, including page-locked host and unified allocations.
func (b *Backend) IsDevicePtr(ptr unsafe.Pointer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findAllocLocked(ptr) != nil
}

// IsHostPtr implements gpu.Backend: true when the bytes are physically
// host-addressable. Pointers the driver has never seen are host pointers.
func (b *Backend) IsHostPtr(ptr unsafe.Pointer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.findAllocLocked(ptr)
	return a == nil || a.kind == kindPinnedHost
}

// AllocSize implements gpu.Backend.
func (b *Backend) AllocSize(ptr unsafe.Pointer) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.findAllocLocked(ptr); a != nil {
		return a.size
	}
	return 0
}

func (b *Backend) alloc(size uintptr, kind allocKind) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, errors.New("zero-size device allocation")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a := newAllocation(size, kind)
	b.allocs[uintptr(a.data)] = a
	return a.data, nil
}

// MemAlloc implements gpu.Backend: non-array data lands in page-locked host
// memory under ArrayOnDevice, unified memory otherwise.
func (b *Backend) MemAlloc(size uintptr) (unsafe.Pointer, error) {
	if b.strategy == gpu.ArrayOnDevice {
		return b.alloc(size, kindPinnedHost)
	}
	return b.alloc(size, kindUnified)
}

// MemArrayAlloc implements gpu.Backend: array data lands in device memory
// under ArrayOnDevice, unified memory otherwise.
func (b *Backend) MemArrayAlloc(size uintptr) (unsafe.Pointer, error) {
	if b.strategy == gpu.ArrayOnDevice {
		return b.alloc(size, kindDevice)
	}
	return b.alloc(size, kindUnified)
}

// MemFree implements gpu.Backend.
func (b *Backend) MemFree(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.allocs[uintptr(ptr)]; !found {
		return errors.Errorf("free of unknown device pointer %p", ptr)
	}
	delete(b.allocs, uintptr(ptr))
	return nil
}

// MemRealloc implements the gpu.HostReallocator capability: emulated device
// memory is host memory, so reallocation is a plain grow-or-shrink.
func (b *Backend) MemRealloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, found := b.allocs[uintptr(ptr)]
	if !found {
		return nil, errors.Errorf("realloc of unknown device pointer %p", ptr)
	}
	if size == old.size {
		return ptr, nil
	}
	delete(b.allocs, uintptr(ptr))
	if size == 0 {
		return nil, nil
	}
	a := newAllocation(size, old.kind)
	memutil.Memmove(a.data, old.data, min(size, old.size))
	b.allocs[uintptr(a.data)] = a
	return a.data, nil
}

// checkRange validates that [ptr, ptr+n) stays inside its allocation, when
// the pointer is one the emulated driver knows.
func (b *Backend) checkRange(ptr unsafe.Pointer, n uintptr, what string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.findAllocLocked(ptr)
	if a == nil {
		return nil
	}
	if uintptr(ptr)-uintptr(a.data)+n > a.size {
		return errors.Errorf("%s overruns its %d-byte allocation (%p, n=%d)", what, a.size, ptr, n)
	}
	return nil
}

// Memset implements gpu.Backend.
func (b *Backend) Memset(ptr unsafe.Pointer, val byte, n uintptr) error {
	if err := b.checkRange(ptr, n, "memset"); err != nil {
		return err
	}
	dst := memutil.Bytes(ptr, n)
	for i := range dst {
		dst[i] = val
	}
	return nil
}

func (b *Backend) copyBytes(dst, src unsafe.Pointer, n uintptr) error {
	if err := b.checkRange(dst, n, "copy destination"); err != nil {
		return err
	}
	if err := b.checkRange(src, n, "copy source"); err != nil {
		return err
	}
	memutil.Memmove(dst, src, n)
	return nil
}

// CopyDeviceToDevice implements gpu.Backend.
func (b *Backend) CopyDeviceToDevice(dst, src unsafe.Pointer, n uintptr) error {
	return b.copyBytes(dst, src, n)
}

// CopyDeviceToHost implements gpu.Backend.
func (b *Backend) CopyDeviceToHost(dst, src unsafe.Pointer, n uintptr) error {
	return b.copyBytes(dst, src, n)
}

// CopyHostToDevice implements gpu.Backend.
func (b *Backend) CopyHostToDevice(dst, src unsafe.Pointer, n uintptr) error {
	return b.copyBytes(dst, src, n)
}

// HostmemRegister implements gpu.Backend. Page-locking has no emulated
// effect; registrations are recorded and re-registering is a no-op.
func (b *Backend) HostmemRegister(ptr unsafe.Pointer, size uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[uintptr(ptr)] = size
	return nil
}
