package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFloat32Int16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.25}
	out := Int16ToFloat32(Float32ToInt16(in))
	for i := range in {
		require.InDelta(t, in[i], out[i], 1.0/32768)
	}
}

func TestFloat32ToInt16Clips(t *testing.T) {
	out := Float32ToInt16([]float32{2, -2, 1, -1})
	require.Equal(t, int16(32767), out[0])
	require.Equal(t, int16(-32768), out[1])
	require.Equal(t, int16(32767), out[2])
	require.Equal(t, int16(-32768), out[3])
}

func TestScaleDoesNotAlias(t *testing.T) {
	in := []float32{1, 0.5, -0.5}
	out := Scale(in, 0.5)

	require.Equal(t, []float32{0.5, 0.25, -0.25}, out)
	require.Equal(t, []float32{1, 0.5, -0.5}, in)
}
