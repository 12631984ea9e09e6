package game

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtalk/gridtalk/internal/protocols/webrtc"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
)

type recordConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *recordConn) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *recordConn) Close() error {
	return nil
}

func (c *recordConn) messages(t *testing.T) []message {
	t.Helper()
	var out []message
	r := bytes.NewReader(c.buf.Bytes())
	for r.Len() > 0 {
		typ, payload, err := wire.ReadMessage(r)
		require.NoError(t, err)
		out = append(out, message{typ, payload})
	}
	return out
}

func newMoveSession(t *testing.T, s *Server, levelName string, x int, y int) (*session, *recordConn) {
	t.Helper()

	level, ok := s.Levels.Level(levelName)
	require.True(t, ok)

	conn := &recordConn{}
	se := &session{
		conn:      conn,
		server:    s,
		id:        1,
		name:      "alice",
		level:     level,
		levelName: levelName,
		x:         x,
		y:         y,
		outbound:  make(map[uint32]*outboundTrack),
	}
	return se, conn
}

func ackOf(t *testing.T, msgs []message) wire.PositionAck {
	t.Helper()
	for _, m := range msgs {
		if m.typ == wire.TypePositionAck {
			var ack wire.PositionAck
			require.NoError(t, ack.Unmarshal(m.payload))
			return ack
		}
	}
	t.Fatal("no position ack sent")
	return wire.PositionAck{}
}

func TestMoveAccepted(t *testing.T) {
	s := newTestServer(t)
	se, conn := newMoveSession(t, s, "main", 1, 1)

	require.NoError(t, se.handleMove(&wire.PositionUpdate{Seq: 1, X: 2, Y: 1}))

	ack := ackOf(t, conn.messages(t))
	require.Equal(t, wire.PositionAck{Seq: 1, X: 2, Y: 1}, ack)
	require.Equal(t, 2, se.x)
}

func TestMoveRejectedNonAdjacent(t *testing.T) {
	s := newTestServer(t)
	se, conn := newMoveSession(t, s, "main", 1, 1)

	require.NoError(t, se.handleMove(&wire.PositionUpdate{Seq: 7, X: 3, Y: 1}))

	// the ack carries the unchanged position
	ack := ackOf(t, conn.messages(t))
	require.Equal(t, wire.PositionAck{Seq: 7, X: 1, Y: 1}, ack)
}

func TestMoveRejectedWall(t *testing.T) {
	s := newTestServer(t)
	se, conn := newMoveSession(t, s, "main", 1, 1)

	require.NoError(t, se.handleMove(&wire.PositionUpdate{Seq: 2, X: 0, Y: 0}))

	ack := ackOf(t, conn.messages(t))
	require.Equal(t, wire.PositionAck{Seq: 2, X: 1, Y: 1}, ack)
}

func TestMoveThroughDoor(t *testing.T) {
	s := newTestServer(t)

	// the cave's (2, 1) tile is a door back to main at (2, 1)
	se, conn := newMoveSession(t, s, "cave", 1, 1)

	require.NoError(t, se.handleMove(&wire.PositionUpdate{Seq: 3, X: 2, Y: 1}))

	msgs := conn.messages(t)

	var transition wire.DoorTransition
	found := false
	for _, m := range msgs {
		if m.typ == wire.TypeDoorTransition {
			require.NoError(t, transition.Unmarshal(m.payload))
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, wire.DoorTransition{Level: "main", X: 2, Y: 1}, transition)

	ack := ackOf(t, msgs)
	require.Equal(t, wire.PositionAck{Seq: 3, X: 2, Y: 1}, ack)

	require.Equal(t, "main", se.levelName)
	require.Equal(t, 2, se.x)
	require.Equal(t, 1, se.y)
}

// A renegotiation must announce the MID -> source mapping before the
// offer: the client's on-track handler fires while it applies the
// offer and needs the mapping already in place.
func TestRenegotiationMapPrecedesOffer(t *testing.T) {
	s := newTestServer(t)
	se, conn := newMoveSession(t, s, "main", 1, 1)

	se.pc = &webrtc.PeerConnection{
		HandshakeTimeout: s.HandshakeTimeout,
		Log:              se,
	}
	require.NoError(t, se.pc.Start())
	t.Cleanup(se.pc.Close)

	se.playing = true
	se.webrtcConnected = true

	track := se.outboundFor(5)
	require.NotNil(t, track)
	require.True(t, se.needsRenegotiation)

	se.renegotiate()

	mapIdx, offerIdx := -1, -1
	var trackMap wire.AudioTrackMap
	var offer wire.SessionDescription

	for i, m := range conn.messages(t) {
		switch m.typ {
		case wire.TypeAudioTrackMap:
			mapIdx = i
			require.NoError(t, trackMap.Unmarshal(m.payload))

		case wire.TypeWebRTCOffer:
			offerIdx = i
			require.NoError(t, offer.Unmarshal(m.payload))
		}
	}

	require.NotEqual(t, -1, mapIdx)
	require.NotEqual(t, -1, offerIdx)
	require.Less(t, mapIdx, offerIdx)

	// the mapping names the new track's MID, and the offer carries it
	mid := ""
	for m, sourceID := range trackMap.Map {
		if sourceID == 5 {
			mid = m
		}
	}
	require.NotEmpty(t, mid)
	require.Contains(t, offer.SDP, "a=mid:"+mid)

	require.True(t, track.Active())
	require.False(t, se.needsRenegotiation)
	require.True(t, se.outbound[5].attached)
}
