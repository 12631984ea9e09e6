// Package playback turns decoded voice frames into smooth audio
// output, one stream per remote speaker.
package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/logger"
)

const (
	// MaxBufferSamples is the ring buffer capacity (100 ms).
	MaxBufferSamples = 5 * audio.FrameSamples

	// MinBufferSamples is the occupancy needed before playback
	// starts (20 ms).
	MinBufferSamples = audio.FrameSamples

	// resetThreshold is how far the worker may fall behind its
	// target clock before it resynchronizes.
	resetThreshold = 100 * time.Millisecond
)

// Stream plays one remote speaker's voice. Frames arrive from the
// WebRTC track, a worker drains the ring buffer on a drift-free
// 20 ms schedule and applies the live proximity volume.
type Stream struct {
	Sink   audio.Sink
	Volume func() float32
	Log    logger.Writer

	mutex   sync.Mutex
	buf     ringBuffer
	started bool

	underruns uint64
	overflows uint64

	terminate chan struct{}
	done      chan struct{}
}

// Initialize initializes a Stream and starts its playback worker.
func (s *Stream) Initialize() {
	s.buf.init(MaxBufferSamples)
	s.terminate = make(chan struct{})
	s.done = make(chan struct{})

	go s.run()
}

// Close stops the playback worker.
func (s *Stream) Close() {
	close(s.terminate)
	<-s.done
}

// WriteFrame feeds a decoded frame into the ring buffer. On overflow
// the oldest samples are discarded.
func (s *Stream) WriteFrame(frame []float32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.buf.write(frame) {
		atomic.AddUint64(&s.overflows, 1)
	}
}

// Underruns returns how often the worker found the buffer empty
// after playback had started.
func (s *Stream) Underruns() uint64 {
	return atomic.LoadUint64(&s.underruns)
}

// Overflows returns how often the writer overran the buffer.
func (s *Stream) Overflows() uint64 {
	return atomic.LoadUint64(&s.overflows)
}

// readFrame fills out with the next frame, or silence when not yet
// started or the buffer has run dry. Once playback has started an
// empty buffer does not re-arm the start threshold, since re-buffering
// caused audible gaps.
func (s *Stream) readFrame(out []float32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.started {
		if s.buf.occupancy() < MinBufferSamples {
			zero(out)
			return
		}
		s.started = true
	}

	if !s.buf.read(out) {
		atomic.AddUint64(&s.underruns, 1)
		zero(out)
	}
}

func (s *Stream) run() {
	defer close(s.done)

	frame := make([]float32, audio.FrameSamples)
	next := time.Now()

	for {
		select {
		case <-s.terminate:
			return
		default:
		}

		s.readFrame(frame)

		// volume is queried at playback time, not at write time,
		// so attenuation follows movement even while audio sits
		// in the buffer
		vol := s.Volume()
		for i := range frame {
			frame[i] *= vol
		}

		err := s.Sink.Write(frame)
		if err != nil {
			s.Log.Log(logger.Warn, "playback write failed: %v", err)
		}

		next = next.Add(audio.FrameDuration * time.Millisecond)
		wait := time.Until(next)

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-s.terminate:
				return
			}
		} else if -wait > resetThreshold {
			next = time.Now()
		}
	}
}

func zero(out []float32) {
	for i := range out {
		out[i] = 0
	}
}
