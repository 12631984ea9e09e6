package webrtc

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/logger"
)

const outgoingQueueSize = 10

// OutgoingTrack carries one remote speaker's voice to the local peer.
// PCM frames are queued by the routing loop, encoded and paced by a
// dedicated writer.
type OutgoingTrack struct {
	SourceID uint32
	Log      logger.Writer

	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	enc    *opus.Encoder

	active  int32
	dropped uint64

	queue     chan []float32
	done      chan struct{}
	closeOnce sync.Once
}

// NewOutgoingTrack allocates an OutgoingTrack for a source player.
func NewOutgoingTrack(sourceID uint32, log logger.Writer) (*OutgoingTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		OpusCodec.RTPCodecCapability,
		"audio-"+strconv.FormatUint(uint64(sourceID), 10),
		webrtcStreamID+"-"+uuid.New().String(),
	)
	if err != nil {
		return nil, err
	}

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	return &OutgoingTrack{
		SourceID: sourceID,
		Log:      log,
		track:    track,
		enc:      enc,
		queue:    make(chan []float32, outgoingQueueSize),
		done:     make(chan struct{}),
	}, nil
}

func (t *OutgoingTrack) setup(p *PeerConnection) error {
	var err error
	t.sender, err = p.wr.AddTrack(t.track)
	if err != nil {
		return err
	}

	// read incoming RTCP packets to make interceptors work
	go func() {
		buf := make([]byte, 1500)
		for {
			_, _, err2 := t.sender.Read(buf)
			if err2 != nil {
				return
			}
		}
	}()

	go t.runWriter()

	return nil
}

func (t *OutgoingTrack) close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// Activate starts accepting queued audio. Until then WriteFrame is a
// no-op, so no audio is encoded before the track has been offered to
// the peer.
func (t *OutgoingTrack) Activate() {
	atomic.StoreInt32(&t.active, 1)
}

// Active reports whether the track accepts audio.
func (t *OutgoingTrack) Active() bool {
	return atomic.LoadInt32(&t.active) == 1
}

// WriteFrame queues a PCM frame. On overflow the oldest frame is
// dropped, a stalled track must never stall the routing loop.
func (t *OutgoingTrack) WriteFrame(frame []float32) {
	if !t.Active() {
		return
	}

	for {
		select {
		case t.queue <- frame:
			return
		default:
		}

		select {
		case <-t.queue:
			atomic.AddUint64(&t.dropped, 1)
		default:
		}
	}
}

// Dropped returns the number of frames lost to overflow.
func (t *OutgoingTrack) Dropped() uint64 {
	return atomic.LoadUint64(&t.dropped)
}

func (t *OutgoingTrack) runWriter() {
	buf := make([]byte, 1500)

	for {
		select {
		case frame := <-t.queue:
			n, err := t.enc.EncodeFloat32(frame, buf)
			if err != nil {
				t.Log.Log(logger.Warn, "opus encode failed: %v", err)
				continue
			}

			err = t.track.WriteSample(media.Sample{
				Data:     append([]byte(nil), buf[:n]...),
				Duration: audio.FrameDuration * time.Millisecond,
			})
			if err != nil {
				return
			}

		case <-t.done:
			return
		}
	}
}
