package webrtc

import (
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/logger"
)

const incomingQueueSize = 10

// IncomingTrack relays the remote peer's voice: RTP packets are read
// from the track, decoded to PCM and queued for the routing loop.
// On overflow the newest frame is dropped, keeping latency bounded.
type IncomingTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	log      logger.Writer

	dec     *opus.Decoder
	dropped uint64

	queue     chan []float32
	done      chan struct{}
	closeOnce sync.Once
}

func (t *IncomingTrack) initialize() error {
	var err error
	t.dec, err = opus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return err
	}

	t.queue = make(chan []float32, incomingQueueSize)
	t.done = make(chan struct{})

	// discard RTCP packets to make interceptors work
	go func() {
		buf := make([]byte, 1500)
		for {
			_, _, err2 := t.receiver.Read(buf)
			if err2 != nil {
				return
			}
		}
	}()

	go t.runReader()

	return nil
}

func (t *IncomingTrack) runReader() {
	for {
		var pkt *rtp.Packet
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm := make([]float32, audio.FrameSamples)
		n, err := t.dec.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			t.log.Log(logger.Warn, "opus decode failed: %v", err)
			continue
		}

		select {
		case t.queue <- pcm[:n]:
		case <-t.done:
			return
		default:
			atomic.AddUint64(&t.dropped, 1)
		}
	}
}

// ReadFrame returns the next decoded frame without blocking.
func (t *IncomingTrack) ReadFrame() ([]float32, bool) {
	select {
	case frame := <-t.queue:
		return frame, true
	default:
		return nil, false
	}
}

// Drain discards every queued frame and returns how many were
// dropped. Used while the speaker is muted.
func (t *IncomingTrack) Drain() int {
	n := 0
	for {
		select {
		case <-t.queue:
			n++
		default:
			return n
		}
	}
}

// Dropped returns the number of frames lost to overflow.
func (t *IncomingTrack) Dropped() uint64 {
	return atomic.LoadUint64(&t.dropped)
}

// Close stops the relay.
func (t *IncomingTrack) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}
