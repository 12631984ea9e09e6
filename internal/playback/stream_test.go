package playback

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/logger"
)

type fakeSink struct {
	mutex  sync.Mutex
	frames [][]float32
	times  []time.Time
	notify chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{notify: make(chan struct{}, 64)}
}

func (s *fakeSink) Write(frame []float32) error {
	s.mutex.Lock()
	s.frames = append(s.frames, append([]float32(nil), frame...))
	s.times = append(s.times, time.Now())
	s.mutex.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSink) writeTimes() []time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]time.Time(nil), s.times...)
}

func (s *fakeSink) Close() {
}

func (s *fakeSink) waitFrames(t *testing.T, n int) [][]float32 {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mutex.Lock()
		if len(s.frames) >= n {
			out := append([][]float32(nil), s.frames...)
			s.mutex.Unlock()
			return out
		}
		s.mutex.Unlock()

		select {
		case <-s.notify:
		case <-deadline:
			t.Fatal("timed out waiting for playback frames")
		}
	}
}

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func constFrame(v float32) []float32 {
	frame := make([]float32, audio.FrameSamples)
	for i := range frame {
		frame[i] = v
	}
	return frame
}

func isSilence(frame []float32) bool {
	for _, s := range frame {
		if s != 0 {
			return false
		}
	}
	return true
}

func TestStreamStartGating(t *testing.T) {
	sink := newFakeSink()
	s := &Stream{
		Sink:   sink,
		Volume: func() float32 { return 1 },
		Log:    nilLogger{},
	}
	s.Initialize()
	defer s.Close()

	// buffer is empty: only silence comes out
	frames := sink.waitFrames(t, 2)
	for _, f := range frames {
		require.True(t, isSilence(f))
	}

	s.WriteFrame(constFrame(0.5))

	// the fed frame eventually plays
	deadline := time.After(2 * time.Second)
	for {
		frames = sink.waitFrames(t, len(frames)+1)
		if !isSilence(frames[len(frames)-1]) {
			require.Equal(t, float32(0.5), frames[len(frames)-1][0])
			break
		}
		select {
		case <-deadline:
			t.Fatal("fed frame never played")
		default:
		}
	}
}

func TestStreamUnderrunDoesNotRearm(t *testing.T) {
	sink := newFakeSink()
	s := &Stream{
		Sink:   sink,
		Volume: func() float32 { return 1 },
		Log:    nilLogger{},
	}
	s.Initialize()
	defer s.Close()

	s.WriteFrame(constFrame(0.5))

	// wait until playback started and the buffer drained
	for s.Underruns() == 0 {
		select {
		case <-sink.notify:
		case <-time.After(2 * time.Second):
			t.Fatal("no underrun recorded")
		}
	}

	// started must survive the underrun: a single new frame plays
	// without re-filling up to the start threshold
	s.mutex.Lock()
	started := s.started
	s.mutex.Unlock()
	require.True(t, started)
}

func TestStreamAppliesLiveVolume(t *testing.T) {
	sink := newFakeSink()

	var volMutex sync.Mutex
	vol := float32(0.5)

	s := &Stream{
		Sink: sink,
		Volume: func() float32 {
			volMutex.Lock()
			defer volMutex.Unlock()
			return vol
		},
		Log: nilLogger{},
	}
	s.Initialize()
	defer s.Close()

	s.WriteFrame(constFrame(1))

	deadline := time.After(2 * time.Second)
	for {
		frames := sink.waitFrames(t, 1)
		found := false
		for _, f := range frames {
			if !isSilence(f) {
				require.Equal(t, float32(0.5), f[0])
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("fed frame never played")
		case <-sink.notify:
		}
	}
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	var r ringBuffer
	r.init(2 * audio.FrameSamples)

	require.False(t, r.write(constFrame(1)))
	require.False(t, r.write(constFrame(2)))
	require.True(t, r.write(constFrame(3)))

	out := make([]float32, audio.FrameSamples)
	require.True(t, r.read(out))
	require.Equal(t, float32(2), out[0])
	require.True(t, r.read(out))
	require.Equal(t, float32(3), out[0])
	require.False(t, r.read(out))
}

// The worker follows an absolute schedule: timing errors do not
// accumulate, so after N frames the elapsed time stays within one
// frame of N * 20 ms.
func TestStreamDriftBound(t *testing.T) {
	sink := newFakeSink()
	s := &Stream{
		Sink:   sink,
		Volume: func() float32 { return 1 },
		Log:    nilLogger{},
	}
	s.Initialize()
	defer s.Close()

	sink.waitFrames(t, 11)

	times := sink.writeTimes()
	elapsed := times[10].Sub(times[0])
	ideal := 10 * audio.FrameDuration * time.Millisecond
	require.InDelta(t, float64(ideal), float64(elapsed),
		float64(audio.FrameDuration*time.Millisecond))
}

// stallSink blocks a single write long enough to push the worker past
// the resync threshold.
type stallSink struct {
	*fakeSink
	stalled int32
}

func (s *stallSink) Write(frame []float32) error {
	if atomic.CompareAndSwapInt32(&s.stalled, 0, 1) {
		time.Sleep(150 * time.Millisecond)
	}
	return s.fakeSink.Write(frame)
}

func TestStreamResyncsAfterStall(t *testing.T) {
	sink := &stallSink{fakeSink: newFakeSink()}
	s := &Stream{
		Sink:   sink,
		Volume: func() float32 { return 1 },
		Log:    nilLogger{},
	}
	s.Initialize()
	defer s.Close()

	sink.waitFrames(t, 3)

	// once the stall put the worker more than 100 ms behind, the
	// schedule resets instead of bursting writes to catch up
	times := sink.writeTimes()
	require.Greater(t, times[2].Sub(times[1]), 10*time.Millisecond)
}

func TestStreamOverflowCounter(t *testing.T) {
	sink := newFakeSink()
	s := &Stream{
		Sink:   sink,
		Volume: func() float32 { return 0 },
		Log:    nilLogger{},
	}
	s.Initialize()
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.WriteFrame(constFrame(1))
	}
	require.NotZero(t, s.Overflows())
}
