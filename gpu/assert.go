package gpu

import (
	"fmt"
	"unsafe"
)

// assertDevicePtr aborts when a copy path selected for a device-resident
// pointer is handed one the backend classifies as unknown. Only active in
// builds with the chpldebug tag.
func (c *Context) assertDevicePtr(ptr unsafe.Pointer, what string) {
	if debugChecks && !c.backend.IsDevicePtr(ptr) {
		panic(fmt.Sprintf("gpu: %s is not a device pointer (%p)", what, ptr))
	}
}

// assertHostPtr is the host-side counterpart of assertDevicePtr.
func (c *Context) assertHostPtr(ptr unsafe.Pointer, what string) {
	if debugChecks && !c.backend.IsHostPtr(ptr) {
		panic(fmt.Sprintf("gpu: %s is not a host pointer (%p)", what, ptr))
	}
}
