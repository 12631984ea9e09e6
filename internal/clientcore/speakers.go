package clientcore

import (
	"time"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/playback"
	"github.com/gridtalk/gridtalk/internal/protocols/webrtc"
	"github.com/gridtalk/gridtalk/internal/router"
)

// speakerStream is the playback pipeline of one remote speaker.
type speakerStream struct {
	stream *playback.Stream
	sink   audio.Sink
}

func (sp *speakerStream) close() {
	sp.stream.Close()
	sp.sink.Close()
}

// nullSink discards audio. Used in headless mode and as a fallback
// when no output device can be opened.
type nullSink struct{}

func (nullSink) Write(_ []float32) error { return nil }
func (nullSink) Close()                  {}

func (c *Client) newSink() audio.Sink {
	if !c.EnablePlayback {
		return nullSink{}
	}

	sink := &audio.DeviceSink{Log: c}
	err := sink.Initialize()
	if err != nil {
		c.Log(logger.Warn, "unable to open the playback device: %v", err)
		return nullSink{}
	}
	return sink
}

// onIncomingTrack starts a relay that pulls decoded frames from a
// remote track and feeds the playback stream of its source.
func (c *Client) onIncomingTrack(track *webrtc.IncomingTrack, mid string) {
	c.Log(logger.Debug, "incoming track, mid '%s'", mid)

	go func() {
		defer track.Close()

		t := time.NewTicker(audio.FrameDuration * time.Millisecond)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				for {
					frame, ok := track.ReadFrame()
					if !ok {
						break
					}
					c.deliverFrame(mid, frame)
				}

			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// deliverFrame routes one decoded frame to the playback stream of the
// speaker behind a MID, creating the stream lazily. Frames for unknown
// speakers are discarded.
func (c *Client) deliverFrame(mid string, frame []float32) {
	c.stateMutex.Lock()

	sourceID, ok := c.midToSource[mid]
	if !ok || !c.seenWorld {
		c.stateMutex.Unlock()
		return
	}
	if _, ok2 := c.names[sourceID]; !ok2 {
		c.stateMutex.Unlock()
		return
	}

	sp, ok := c.speakers[sourceID]
	if !ok {
		sp = &speakerStream{sink: c.newSink()}
		sp.stream = &playback.Stream{
			Sink: sp.sink,
			Volume: func() float32 {
				return c.volumeFor(sourceID)
			},
			Log: c,
		}
		sp.stream.Initialize()
		c.speakers[sourceID] = sp
	}
	c.stateMutex.Unlock()

	sp.stream.WriteFrame(frame)
}

// volumeFor computes the live distance attenuation of a speaker,
// queried by the playback worker at playback time.
func (c *Client) volumeFor(sourceID uint32) float32 {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	p, ok := c.players[sourceID]
	if !ok || p.Level != c.levelName {
		return 0
	}

	x, y := c.pred.position()
	return router.Volume(int(p.X)-x, int(p.Y)-y)
}
