package gpu_test

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/xianghao-wang/chapel/gpu"
	"github.com/xianghao-wang/chapel/gpu/cpu"
)

// newTestContext builds a single-node context over a CPU-emulation backend.
func newTestContext(t *testing.T, strategy gpu.MemStrategy, devices int, opts ...cpu.Option) (*gpu.Context, *cpu.Backend) {
	t.Helper()
	opts = append([]cpu.Option{cpu.WithDetectedDevices(devices)}, opts...)
	backend := cpu.New(opts...)
	ctx, err := gpu.Init(gpu.Options{Backend: backend, Strategy: strategy})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Shutdown()) })
	return ctx, backend
}

// recordingBackend wraps another backend and counts allocation traffic. It
// deliberately hides any HostReallocator capability of the wrapped backend,
// so the generic alloc-copy-free realloc path gets exercised too.
type recordingBackend struct {
	gpu.Backend
	allocs      atomic.Int64
	arrayAllocs atomic.Int64
	frees       atomic.Int64
}

func (r *recordingBackend) MemAlloc(size uintptr) (unsafe.Pointer, error) {
	r.allocs.Add(1)
	return r.Backend.MemAlloc(size)
}

func (r *recordingBackend) MemArrayAlloc(size uintptr) (unsafe.Pointer, error) {
	r.arrayAllocs.Add(1)
	return r.Backend.MemArrayAlloc(size)
}

func (r *recordingBackend) MemFree(ptr unsafe.Pointer) error {
	r.frees.Add(1)
	return r.Backend.MemFree(ptr)
}

func newRecordingContext(t *testing.T, strategy gpu.MemStrategy) (*gpu.Context, *recordingBackend) {
	t.Helper()
	recorder := &recordingBackend{Backend: cpu.New()}
	ctx, err := gpu.Init(gpu.Options{Backend: recorder, Strategy: strategy})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Shutdown()) })
	return ctx, recorder
}

// devWrite moves host bytes into a device allocation.
func devWrite(t *testing.T, ctx *gpu.Context, dst unsafe.Pointer, data []byte) {
	t.Helper()
	var src unsafe.Pointer
	if len(data) > 0 {
		src = unsafe.Pointer(&data[0])
	}
	require.NoError(t, ctx.Memcpy(0, dst, gpu.SublocAny, src, uintptr(len(data))))
}

// devRead copies n bytes of a device allocation back to the host.
func devRead(t *testing.T, ctx *gpu.Context, src unsafe.Pointer, n uintptr) []byte {
	t.Helper()
	out := make([]byte, n)
	var dst unsafe.Pointer
	if n > 0 {
		dst = unsafe.Pointer(&out[0])
	}
	require.NoError(t, ctx.Memcpy(gpu.SublocAny, dst, 0, src, n))
	return out
}

func pattern(n uintptr) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}
