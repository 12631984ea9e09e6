// Package audio holds the PCM format shared by capture, transport and
// playback, plus OS audio device access.
package audio

// Voice frames are mono 48 kHz float32, 20 ms each.
const (
	SampleRate    = 48000
	Channels      = 1
	FrameSamples  = 960
	FrameDuration = 20 // milliseconds
)

// Float32ToInt16 converts float32 samples in [-1, 1] to int16 with
// clipping.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		switch {
		case s > 1:
			out[i] = 32767
		case s < -1:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// Int16ToFloat32 converts int16 samples to float32 in [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// Scale returns a copy of a frame with a gain applied. The input is
// never modified, since the same frame can fan out to several
// recipients with different gains.
func Scale(frame []float32, gain float32) []float32 {
	out := make([]float32, len(frame))
	for i, s := range frame {
		out[i] = s * gain
	}
	return out
}
