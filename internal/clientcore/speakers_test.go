package clientcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/playback"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

// newSpeakerClient builds a client with a running playback stream per
// given source, wired through the real volume callback so the playback
// worker contends on the state mutex exactly like in production.
func newSpeakerClient(t *testing.T, ids ...uint32) *Client {
	t.Helper()

	c := &Client{Parent: nilLogger{}}
	c.players = make(map[uint32]wire.PlayerInfo)
	c.names = make(map[uint32]string)
	c.midToSource = make(map[string]uint32)
	c.speakers = make(map[uint32]*speakerStream)
	c.seenWorld = true

	for _, id := range ids {
		sourceID := id
		sp := &speakerStream{sink: nullSink{}}
		sp.stream = &playback.Stream{
			Sink: sp.sink,
			Volume: func() float32 {
				return c.volumeFor(sourceID)
			},
			Log: c,
		}
		sp.stream.Initialize()
		c.speakers[id] = sp
	}

	t.Cleanup(func() {
		c.stateMutex.Lock()
		remaining := make([]*speakerStream, 0, len(c.speakers))
		for id, sp := range c.speakers {
			remaining = append(remaining, sp)
			delete(c.speakers, id)
		}
		c.stateMutex.Unlock()
		for _, sp := range remaining {
			sp.close()
		}
	})

	return c
}

func TestWorldStateStopsVanishedSpeakers(t *testing.T) {
	c := newSpeakerClient(t, 7)
	c.names[7] = "alice"
	c.players[7] = wire.PlayerInfo{ID: 7, Name: "alice"}

	// give the playback worker time to start polling the volume
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.applyWorldState(&wire.WorldState{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("world state handling never returned")
	}

	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	require.Empty(t, c.speakers)
}

func TestPlayerLeftStopsSpeaker(t *testing.T) {
	c := newSpeakerClient(t, 7)
	c.names[7] = "alice"
	c.players[7] = wire.PlayerInfo{ID: 7, Name: "alice"}

	time.Sleep(50 * time.Millisecond)

	done := make(chan error)
	go func() {
		done <- c.handleMessage(wire.TypePlayerLeft, wire.PlayerLeft{ID: 7}.Marshal())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("player left handling never returned")
	}

	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	require.Empty(t, c.speakers)
	require.NotContains(t, c.names, uint32(7))
}
