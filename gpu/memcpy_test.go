package gpu_test

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/xianghao-wang/chapel/gpu"
)

// endpoint allocates one copy endpoint, host- or device-resident, and
// returns its pointer, its sublocale tag, and a reader for verification.
type endpoint struct {
	subloc gpu.SublocID
	ptr    unsafe.Pointer
	read   func(t *testing.T) []byte
}

func newEndpoint(t *testing.T, ctx *gpu.Context, onDevice bool, n uintptr) endpoint {
	t.Helper()
	if !onDevice {
		buf := make([]byte, n)
		var ptr unsafe.Pointer
		if n > 0 {
			ptr = unsafe.Pointer(&buf[0])
		}
		return endpoint{
			subloc: gpu.SublocAny,
			ptr:    ptr,
			read:   func(t *testing.T) []byte { return buf },
		}
	}
	ptr, err := ctx.MemArrayAlloc(n, "copy endpoint")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.MemFree(ptr)) })
	return endpoint{
		subloc: 0,
		ptr:    ptr,
		read:   func(t *testing.T) []byte { return devRead(t, ctx, ptr, n) },
	}
}

func (e endpoint) write(t *testing.T, ctx *gpu.Context, data []byte) {
	t.Helper()
	var src unsafe.Pointer
	if len(data) > 0 {
		src = unsafe.Pointer(&data[0])
	}
	require.NoError(t, ctx.Memcpy(e.subloc, e.ptr, gpu.SublocAny, src, uintptr(len(data))))
}

func TestMemcpyMatrix(t *testing.T) {
	for _, strategy := range []gpu.MemStrategy{gpu.ArrayOnDevice, gpu.Unified} {
		for _, srcOnDevice := range []bool{false, true} {
			for _, dstOnDevice := range []bool{false, true} {
				for _, n := range []uintptr{0, 1, 4096} {
					name := fmt.Sprintf("%s/src=%v/dst=%v/n=%d", strategy, srcOnDevice, dstOnDevice, n)
					t.Run(name, func(t *testing.T) {
						ctx, _ := newTestContext(t, strategy, 1)
						src := newEndpoint(t, ctx, srcOnDevice, n)
						dst := newEndpoint(t, ctx, dstOnDevice, n)

						data := pattern(n)
						src.write(t, ctx, data)
						require.NoError(t, ctx.Memcpy(dst.subloc, dst.ptr, src.subloc, src.ptr, n))
						require.Equal(t, data, dst.read(t))
					})
				}
			}
		}
	}
}

func TestMemcpyDeviceTaggedHostValues(t *testing.T) {
	// Both ends were "created on" a device sublocale yet physically live on
	// the host, like two scalars declared in GPU-bound code. The copy must
	// degrade to a plain move and no device-copy counter may change.
	ctx, _ := newTestContext(t, gpu.ArrayOnDevice, 1)
	before := ctx.Diags().Snapshot()

	var srcVal, dstVal int64 = 42, 0
	require.NoError(t, ctx.Memcpy(0, unsafe.Pointer(&dstVal), 0, unsafe.Pointer(&srcVal), unsafe.Sizeof(srcVal)))
	require.EqualValues(t, 42, dstVal)

	require.Equal(t, before, ctx.Diags().Snapshot())
}

func TestMemcpyCounters(t *testing.T) {
	ctx, _ := newTestContext(t, gpu.ArrayOnDevice, 1)

	const n = 256
	devA, err := ctx.MemArrayAlloc(n, "counter dev A")
	require.NoError(t, err)
	devB, err := ctx.MemArrayAlloc(n, "counter dev B")
	require.NoError(t, err)
	host := make([]byte, n)

	before := ctx.Diags().Snapshot()
	require.NoError(t, ctx.Memcpy(0, devA, gpu.SublocAny, unsafe.Pointer(&host[0]), n))
	require.NoError(t, ctx.Memcpy(0, devB, 0, devA, n))
	require.NoError(t, ctx.Memcpy(gpu.SublocAny, unsafe.Pointer(&host[0]), 0, devB, n))
	after := ctx.Diags().Snapshot()

	require.Equal(t, before.HostToDevice+1, after.HostToDevice)
	require.Equal(t, before.DeviceToDevice+1, after.DeviceToDevice)
	require.Equal(t, before.DeviceToHost+1, after.DeviceToHost)
	require.Equal(t, before.KernelLaunch, after.KernelLaunch)

	require.NoError(t, ctx.MemFree(devA))
	require.NoError(t, ctx.MemFree(devB))
}

func TestMemset(t *testing.T) {
	ctx, _ := newTestContext(t, gpu.ArrayOnDevice, 1)

	const n = 512
	ptr, err := ctx.MemArrayAlloc(n, "memset target")
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.MemFree(ptr)) }()

	require.NoError(t, ctx.Memset(ptr, 0xAB, n))
	for _, b := range devRead(t, ctx, ptr, n) {
		require.EqualValues(t, 0xAB, b)
	}
}

func TestAsyncCopy(t *testing.T) {
	ctx, _ := newTestContext(t, gpu.ArrayOnDevice, 1)

	const n = 1024
	data := pattern(n)
	dev, err := ctx.MemArrayAlloc(n, "async target")
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.MemFree(dev)) }()

	handle, err := ctx.AsyncCopy(dev, unsafe.Pointer(&data[0]), n)
	require.NoError(t, err)
	require.NoError(t, ctx.Wait(handle))
	require.Equal(t, data, devRead(t, ctx, dev, n))

	// A handle is single-use.
	require.Error(t, ctx.Wait(handle))
	require.Error(t, ctx.Wait(nil))
}
