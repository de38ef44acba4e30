package gpu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xianghao-wang/chapel/gpu"
)

func TestParseMemStrategy(t *testing.T) {
	for _, strategy := range []gpu.MemStrategy{gpu.ArrayOnDevice, gpu.Unified} {
		parsed, err := gpu.ParseMemStrategy(strategy.String())
		require.NoError(t, err)
		require.Equal(t, strategy, parsed)
	}

	_, err := gpu.ParseMemStrategy("bogus")
	require.ErrorContains(t, err, `unknown memory strategy "bogus"`)
}

func TestSublocClassification(t *testing.T) {
	require.False(t, gpu.SublocAny.IsDevice())
	require.False(t, gpu.SublocID(-3).IsDevice())
	require.True(t, gpu.SublocID(0).IsDevice())
	require.True(t, gpu.SublocID(2).IsDevice())
}
