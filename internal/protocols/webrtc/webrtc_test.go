package webrtc

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func sdpMedias(t *testing.T, raw string) []*sdp.MediaDescription {
	t.Helper()
	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(raw)))
	return desc.MediaDescriptions
}

func TestTracksAreValid(t *testing.T) {
	base := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n"

	for _, ca := range []struct {
		name   string
		medias string
		ok     bool
	}{
		{
			"audio only",
			"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\n",
			true,
		},
		{
			"audio and data channel",
			"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\n" +
				"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\n",
			true,
		},
		{
			"two audio tracks",
			"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\n" +
				"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\n",
			false,
		},
		{
			"video",
			"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\n",
			false,
		},
		{
			"no tracks",
			"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\n",
			false,
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			err := TracksAreValid(sdpMedias(t, base+ca.medias))
			if ca.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestOutgoingTrackGating(t *testing.T) {
	tr, err := NewOutgoingTrack(7, nilLogger{})
	require.NoError(t, err)
	defer tr.close()

	frame := make([]float32, audio.FrameSamples)

	// frames are discarded until the track is activated
	tr.WriteFrame(frame)
	require.Len(t, tr.queue, 0)

	tr.Activate()
	tr.WriteFrame(frame)
	require.Len(t, tr.queue, 1)
}

func TestOutgoingTrackDropsOldest(t *testing.T) {
	tr, err := NewOutgoingTrack(7, nilLogger{})
	require.NoError(t, err)
	defer tr.close()

	tr.Activate()

	for i := 0; i < outgoingQueueSize+3; i++ {
		frame := make([]float32, audio.FrameSamples)
		frame[0] = float32(i)
		tr.WriteFrame(frame)
	}

	require.Equal(t, uint64(3), tr.Dropped())

	// the oldest frames were the ones dropped
	first := <-tr.queue
	require.Equal(t, float32(3), first[0])
}
