package gpu

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// SublocID locates a sub-unit of a node: a negative value means the host,
// a non-negative value is a device index.
//
// A non-negative SublocID is a logical placement hint only. A value that was
// created "on" a device sublocale may still live in host memory (think of a
// scalar declared inside a GPU-bound block). Physical residency must be
// confirmed with the backend before choosing a copy path.
type SublocID int32

// SublocAny is the host sublocale: no particular device is implied.
const SublocAny SublocID = -1

// IsDevice reports whether the sublocale names a device index.
func (s SublocID) IsDevice() bool { return s >= 0 }

// NodeID identifies a node (a "locale") in the distributed system. Memory on
// a different node is reachable only through the network transport.
type NodeID int32

// MemStrategy selects how device memory is physically backed. It is fixed
// for the lifetime of a Context.
type MemStrategy int

const (
	// ArrayOnDevice keeps array data physically on the device and stages
	// everything else through page-locked host memory.
	ArrayOnDevice MemStrategy = iota
	// Unified uses a single allocation transparently visible from both host
	// and device, which removes the host/device distinction for copies.
	Unified
)

// String implements fmt.Stringer.
func (s MemStrategy) String() string {
	switch s {
	case ArrayOnDevice:
		return "array_on_device"
	case Unified:
		return "unified"
	}
	return fmt.Sprintf("MemStrategy(%d)", int(s))
}

// ParseMemStrategy converts a configuration string to a MemStrategy.
func ParseMemStrategy(text string) (MemStrategy, error) {
	switch text {
	case "array_on_device":
		return ArrayOnDevice, nil
	case "unified":
		return Unified, nil
	}
	return 0, errors.Errorf("unknown memory strategy %q", text)
}

// Dim3 holds 3-D grid or block dimensions for a kernel launch.
type Dim3 struct {
	X, Y, Z int
}

// String implements fmt.Stringer.
func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// KernelArg is one kernel argument. Size == 0 means Ptr is already
// device-resident and is passed through unmodified; Size > 0 means Ptr is a
// host value of that many bytes, staged into a fresh device buffer before
// the launch and released after it.
type KernelArg struct {
	Ptr  unsafe.Pointer
	Size uintptr
}

// ValueArg builds a by-value KernelArg: size bytes at ptr are staged to the
// device before the launch.
func ValueArg(ptr unsafe.Pointer, size uintptr) KernelArg {
	return KernelArg{Ptr: ptr, Size: size}
}

// PtrArg builds a pass-through KernelArg: ptr is already device-resident and
// the caller retains ownership.
func PtrArg(ptr unsafe.Pointer) KernelArg {
	return KernelArg{Ptr: ptr}
}

// LaunchConfig describes a single kernel invocation.
type LaunchConfig struct {
	// Subloc is the target device. A negative value means "the sublocale
	// requested by the calling task".
	Subloc SublocID

	// Name of the kernel within the loaded compute module.
	Name string

	Grid, Block Dim3

	Args []KernelArg
}

// Module is an opaque handle to a compute module loaded into one device
// context. Its concrete type belongs to the backend that created it.
type Module any

// Function is an opaque handle to a kernel entry within a Module.
type Function any
