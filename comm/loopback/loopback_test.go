package loopback

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/xianghao-wang/chapel/gpu"
	"github.com/xianghao-wang/chapel/gpu/cpu"
)

// twoNodes builds two single-device nodes on one loopback network, each with
// its own backend so that neither can address the other's device memory
// directly.
func twoNodes(t *testing.T) (*Network, *gpu.Context, *gpu.Context) {
	t.Helper()
	net := New()
	nodes := make([]*gpu.Context, 2)
	for id := range nodes {
		ctx, err := gpu.Init(gpu.Options{
			Backend:   cpu.New(cpu.WithDetectedDevices(1)),
			NodeID:    gpu.NodeID(id),
			Transport: net,
			Strategy:  gpu.ArrayOnDevice,
		})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, ctx.Shutdown()) })
		net.Attach(gpu.NodeID(id), ctx)
		nodes[id] = ctx
	}
	return net, nodes[0], nodes[1]
}

// endpoint is one side of a cross-node transfer: a buffer on a given node,
// either in plain host memory or in that node's device memory.
type endpoint struct {
	ctx    *gpu.Context
	subloc gpu.SublocID
	ptr    unsafe.Pointer
	host   []byte
}

func newEndpoint(t *testing.T, ctx *gpu.Context, onDevice bool, n uintptr) *endpoint {
	t.Helper()
	if !onDevice {
		buf := make([]byte, n)
		return &endpoint{ctx: ctx, subloc: gpu.SublocAny, ptr: unsafe.Pointer(&buf[0]), host: buf}
	}
	ptr, err := ctx.MemArrayAlloc(n, "transfer endpoint")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.MemFree(ptr)) })
	return &endpoint{ctx: ctx, subloc: 0, ptr: ptr}
}

func (e *endpoint) fill(t *testing.T, data []byte) {
	t.Helper()
	if e.host != nil {
		copy(e.host, data)
		return
	}
	require.NoError(t, e.ctx.Memcpy(e.subloc, e.ptr, gpu.SublocAny, unsafe.Pointer(&data[0]), uintptr(len(data))))
}

func (e *endpoint) read(t *testing.T, n uintptr) []byte {
	t.Helper()
	if e.host != nil {
		return e.host[:n]
	}
	out := make([]byte, n)
	require.NoError(t, e.ctx.Memcpy(gpu.SublocAny, unsafe.Pointer(&out[0]), e.subloc, e.ptr, n))
	return out
}

func pattern(n uintptr) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*11 + 5)
	}
	return data
}

func placeName(onDevice bool) string {
	if onDevice {
		return "device"
	}
	return "host"
}

// TestPutRoundTrip pushes a buffer from node 0 into node 1 for every
// combination of host/device residency at the two ends and checks the bytes
// arrive intact.
func TestPutRoundTrip(t *testing.T) {
	const n = 1 << 10
	for _, srcOnDevice := range []bool{false, true} {
		for _, dstOnDevice := range []bool{false, true} {
			name := fmt.Sprintf("%s_to_%s", placeName(srcOnDevice), placeName(dstOnDevice))
			t.Run(name, func(t *testing.T) {
				_, node0, node1 := twoNodes(t)
				src := newEndpoint(t, node0, srcOnDevice, n)
				dst := newEndpoint(t, node1, dstOnDevice, n)
				want := pattern(n)
				src.fill(t, want)

				require.NoError(t, node0.CommPut(node1.NodeID(), dst.subloc, dst.ptr, src.subloc, src.ptr, n))
				require.Equal(t, want, dst.read(t, n))
				// The source is untouched.
				require.Equal(t, want, src.read(t, n))
			})
		}
	}
}

// TestGetRoundTrip pulls a buffer from node 1 into node 0, again across all
// four residency combinations.
func TestGetRoundTrip(t *testing.T) {
	const n = 1 << 10
	for _, srcOnDevice := range []bool{false, true} {
		for _, dstOnDevice := range []bool{false, true} {
			name := fmt.Sprintf("%s_from_%s", placeName(dstOnDevice), placeName(srcOnDevice))
			t.Run(name, func(t *testing.T) {
				_, node0, node1 := twoNodes(t)
				src := newEndpoint(t, node1, srcOnDevice, n)
				dst := newEndpoint(t, node0, dstOnDevice, n)
				want := pattern(n)
				src.fill(t, want)

				require.NoError(t, node0.CommGet(dst.subloc, dst.ptr, node1.NodeID(), src.subloc, src.ptr, n))
				require.Equal(t, want, dst.read(t, n))
			})
		}
	}
}

func TestUnknownNode(t *testing.T) {
	_, node0, _ := twoNodes(t)
	buf := make([]byte, 8)
	remote := make([]byte, 8)
	err := node0.CommPut(99, gpu.SublocAny, unsafe.Pointer(&remote[0]), gpu.SublocAny, unsafe.Pointer(&buf[0]), 8)
	require.ErrorContains(t, err, "no node 99")

	err = node0.CommGet(gpu.SublocAny, unsafe.Pointer(&buf[0]), 99, gpu.SublocAny, unsafe.Pointer(&remote[0]), 8)
	require.ErrorContains(t, err, "no node 99")
}

func TestNoTransport(t *testing.T) {
	ctx, err := gpu.Init(gpu.Options{Backend: cpu.New(cpu.WithDetectedDevices(1)), Strategy: gpu.ArrayOnDevice})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Shutdown()) })

	buf := make([]byte, 8)
	err = ctx.CommPut(1, gpu.SublocAny, unsafe.Pointer(&buf[0]), gpu.SublocAny, unsafe.Pointer(&buf[0]), 8)
	require.ErrorContains(t, err, "no transport")
	err = ctx.CommGet(gpu.SublocAny, unsafe.Pointer(&buf[0]), 1, gpu.SublocAny, unsafe.Pointer(&buf[0]), 8)
	require.ErrorContains(t, err, "no transport")
}
