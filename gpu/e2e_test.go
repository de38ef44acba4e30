package gpu_test

import (
	"testing"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/xianghao-wang/chapel/gpu"
	"github.com/xianghao-wang/chapel/gpu/cpu"
)

// TestEndToEnd drives the whole subsystem through one realistic sequence:
// allocate an array on the device, fill it from the host, run a kernel over
// it, pull the result back and check the counters saw every step.
func TestEndToEnd(t *testing.T) {
	const elems = 256

	backend := cpu.New(cpu.WithDetectedDevices(2))
	backend.RegisterKernel("square", func(grid, block gpu.Dim3, args []unsafe.Pointer) {
		data := unsafe.Slice((*float64)(args[0]), elems)
		for i := range data {
			data[i] *= data[i]
		}
	})

	ctx := must.M1(gpu.Init(gpu.Options{Backend: backend, Strategy: gpu.ArrayOnDevice}))
	defer func() { must.M(ctx.Shutdown()) }()
	require.Equal(t, 2, ctx.NumDevices())

	input := make([]float64, elems)
	for i := range input {
		input[i] = float64(i) / 16
	}

	devData := must.M1(ctx.MemArrayAlloc(elems*8, "squaring input"))
	must.M(ctx.Memcpy(0, devData, gpu.SublocAny, unsafe.Pointer(&input[0]), elems*8))
	must.M(ctx.LaunchFlat("square", elems, 64, gpu.PtrArg(devData)))

	output := make([]float64, elems)
	must.M(ctx.Memcpy(gpu.SublocAny, unsafe.Pointer(&output[0]), 0, devData, elems*8))
	must.M(ctx.MemFree(devData))

	for i := range output {
		require.Equal(t, input[i]*input[i], output[i])
	}

	counters := ctx.Diags().Snapshot()
	require.Equal(t, uint64(1), counters.KernelLaunch)
	require.Equal(t, uint64(1), counters.HostToDevice)
	require.Equal(t, uint64(1), counters.DeviceToHost)
}
