package gpu

import (
	"os"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

// Backend is the capability interface a device backend implements, one per
// accelerator family. A backend owns the raw driver operations; all
// coordination (copy-path classification, staging, context-switch elision,
// diagnostics) lives above it in this package.
//
// Pointer-classification semantics follow the driver's view of memory:
// IsDevicePtr reports whether the pointer belongs to any allocation the
// driver knows about (device, page-locked host, or unified memory), and
// IsHostPtr reports whether the bytes are physically host-addressable.
// A pointer the backend has never seen is a plain host pointer.
type Backend interface {
	// Name is the short registry name of the backend, e.g. "cpu".
	Name() string

	// Init prepares up to maxDevices devices (negative means "all detected")
	// under the given memory strategy and returns the number of devices
	// actually selected, clamped to the number physically present.
	Init(strategy MemStrategy, maxDevices int) (int, error)

	// Close releases backend resources. The backend is invalid afterwards.
	Close() error

	// PushContext makes device dev's context current, stacking on top of any
	// previously current context.
	PushContext(dev SublocID) error
	// PopContext removes the current context and returns the device it
	// belonged to. It fails if no context is active.
	PopContext() (SublocID, error)
	// CurrentContext returns the active device, if any.
	CurrentContext() (SublocID, bool)

	IsDevicePtr(ptr unsafe.Pointer) bool
	IsHostPtr(ptr unsafe.Pointer) bool
	// AllocSize returns the size of the allocation ptr belongs to, or 0 if
	// the backend does not know the pointer.
	AllocSize(ptr unsafe.Pointer) uintptr

	// MemAlloc allocates size bytes for non-array data. Under ArrayOnDevice
	// this is page-locked host memory; under Unified it is unified memory.
	MemAlloc(size uintptr) (unsafe.Pointer, error)
	// MemArrayAlloc allocates size bytes for array data. Under ArrayOnDevice
	// this is device memory; under Unified it is unified memory.
	MemArrayAlloc(size uintptr) (unsafe.Pointer, error)
	MemFree(ptr unsafe.Pointer) error
	Memset(ptr unsafe.Pointer, val byte, n uintptr) error

	CopyDeviceToDevice(dst, src unsafe.Pointer, n uintptr) error
	CopyDeviceToHost(dst, src unsafe.Pointer, n uintptr) error
	CopyHostToDevice(dst, src unsafe.Pointer, n uintptr) error

	// AsyncCopy starts an asynchronous transfer and returns an opaque
	// backend handle for it. WaitTransfer blocks until the transfer is done
	// and releases the handle; a handle must be waited on exactly once.
	AsyncCopy(dst, src unsafe.Pointer, n uintptr) (any, error)
	WaitTransfer(handle any) error

	// HostmemRegister page-locks an existing host allocation so the device
	// can DMA to and from it.
	HostmemRegister(ptr unsafe.Pointer, size uintptr) error

	CanAccessPeer(dev1, dev2 SublocID) (bool, error)
	// SetPeerAccess grants or revokes dev1's access to dev2's memory. Only
	// that one direction is affected. The operation is idempotent.
	SetPeerAccess(dev1, dev2 SublocID, enable bool) error

	// LoadModule loads a compiled compute module into device dev's context.
	LoadModule(dev SublocID, binary []byte) (Module, error)
	UnloadModule(module Module) error
	// LoadFunction resolves a kernel entry by name within a loaded module.
	LoadFunction(module Module, name string) (Function, error)
	// GetGlobal resolves a module-resident global symbol to its device
	// address and size.
	GetGlobal(module Module, name string) (unsafe.Pointer, uintptr, error)
	// LaunchKernel dispatches fn with the given dimensions and argument
	// pointers, and blocks until device execution completes.
	LaunchKernel(fn Function, grid, block Dim3, args []unsafe.Pointer) error
}

// HostReallocator is an optional capability: backends whose "device" memory
// is ordinary host memory (the CPU-emulation backend) implement it so that
// Context.MemRealloc can delegate to a plain host reallocation instead of
// the alloc-copy-free dance.
type HostReallocator interface {
	MemRealloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error)
}

// Constructor builds a backend from a backend-specific configuration string
// (possibly empty).
type Constructor func(config string) (Backend, error)

var (
	registeredBackends = make(map[string]Constructor)
	firstRegistered    string
)

// Register makes a backend constructor selectable by name. Backends call it
// from their package init.
func Register(name string, constructor Constructor) {
	if len(registeredBackends) == 0 {
		firstRegistered = name
	}
	registeredBackends[name] = constructor
}

// BackendEnv is the environment variable selecting the device backend, in
// the form "<name>" or "<name>:<backend config>".
const BackendEnv = "CHPL_GPU_BACKEND"

// newRegisteredBackend resolves a backend by name, falling back to the
// BackendEnv setting and then to the first registered backend.
func newRegisteredBackend(name string) (Backend, error) {
	if name == "" {
		name = os.Getenv(BackendEnv)
	}
	name, config, _ := strings.Cut(name, ":")
	if name == "" {
		name = firstRegistered
	}
	if name == "" {
		return nil, errors.New("no device backend registered")
	}
	constructor, found := registeredBackends[name]
	if !found {
		return nil, errors.Errorf("unknown device backend %q", name)
	}
	return constructor(config)
}
