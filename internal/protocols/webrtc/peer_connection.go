// Package webrtc contains WebRTC utilities.
package webrtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/gridtalk/gridtalk/internal/conf"
	"github.com/gridtalk/gridtalk/internal/logger"
)

const (
	webrtcStreamID = "gridtalk"

	// DataChannelLabel is the label of the reliable game channel.
	DataChannelLabel = "game"
)

// OpusCodec is the only codec negotiated on audio tracks.
var OpusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	},
	PayloadType: 111,
}

func registerInterceptors(
	mediaEngine *webrtc.MediaEngine,
	interceptorRegistry *interceptor.Registry,
) error {
	err := webrtc.ConfigureNack(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	return webrtc.ConfigureTWCCSender(mediaEngine, interceptorRegistry)
}

// TracksAreValid checks that an offer carries exactly one audio track
// and nothing else.
func TracksAreValid(medias []*sdp.MediaDescription) error {
	audioTrack := false

	for _, media := range medias {
		switch media.MediaName.Media {
		case "audio":
			if audioTrack {
				return fmt.Errorf("only a single audio track is supported")
			}
			audioTrack = true

		case "application":

		default:
			return fmt.Errorf("unsupported media '%s'", media.MediaName.Media)
		}
	}

	if !audioTrack {
		return fmt.Errorf("no valid tracks found")
	}

	return nil
}

type trackRecvPair struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// PeerConnection is a wrapper around webrtc.PeerConnection.
// The voice client creates the initial offer; renegotiation offers
// travel the other way, from server to client.
type PeerConnection struct {
	ICEServers       []webrtc.ICEServer
	HandshakeTimeout conf.Duration
	Publish          bool
	OutgoingTracks   []*OutgoingTrack
	Log              logger.Writer

	// OnIncomingTrack, when set, is called for every remote track with
	// the MID of its transceiver. Used by the client, which receives a
	// new track per renegotiation. When unset, remote tracks are
	// delivered through GatherIncomingTrack.
	OnIncomingTrack func(track *IncomingTrack, mid string)

	wr         *webrtc.PeerConnection
	closeOnce  sync.Once
	trackMutex sync.Mutex

	incomingTrack  chan trackRecvPair
	newDataChannel chan *webrtc.DataChannel
	connected      chan struct{}
	failed         chan struct{}
	closed         chan struct{}
	gatheringDone  chan struct{}
	terminated     chan struct{}
}

// Start starts the peer connection.
func (co *PeerConnection) Start() error {
	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(OpusCodec, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return err
	}

	interceptorRegistry := &interceptor.Registry{}
	err = registerInterceptors(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry))

	co.wr, err = api.NewPeerConnection(webrtc.Configuration{
		ICEServers: co.ICEServers,
	})
	if err != nil {
		return err
	}

	co.incomingTrack = make(chan trackRecvPair, 1)
	co.newDataChannel = make(chan *webrtc.DataChannel, 1)
	co.connected = make(chan struct{})
	co.failed = make(chan struct{})
	co.closed = make(chan struct{})
	co.gatheringDone = make(chan struct{})
	co.terminated = make(chan struct{})

	for _, tr := range co.OutgoingTracks {
		err = tr.setup(co)
		if err != nil {
			co.wr.GracefulClose() //nolint:errcheck
			return err
		}
	}

	co.wr.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if co.OnIncomingTrack != nil {
			tr := &IncomingTrack{
				track:    track,
				receiver: receiver,
				log:      co.Log,
			}
			err2 := tr.initialize()
			if err2 != nil {
				co.Log.Log(logger.Warn, "unable to start track relay: %v", err2)
				return
			}
			co.OnIncomingTrack(tr, co.midOfReceiver(receiver))
			return
		}

		select {
		case co.incomingTrack <- trackRecvPair{track, receiver}:
		case <-co.terminated:
		}
	})

	co.wr.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case co.newDataChannel <- dc:
		case <-co.terminated:
		}
	})

	var stateChangeMutex sync.Mutex

	co.wr.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stateChangeMutex.Lock()
		defer stateChangeMutex.Unlock()

		select {
		case <-co.closed:
			return
		default:
		}

		co.Log.Log(logger.Debug, "peer connection state: "+state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			// "connected" can arrive twice, since the state can move
			// from "disconnected" back to "connected".
			select {
			case <-co.connected:
				return
			default:
			}

			co.Log.Log(logger.Info, "peer connection established")
			close(co.connected)

		case webrtc.PeerConnectionStateFailed:
			close(co.failed)

		case webrtc.PeerConnectionStateClosed:
			// "closed" can arrive without "failed" when the other
			// peer sends a DTLS CloseNotify.
			select {
			case <-co.failed:
			default:
				close(co.failed)
			}

			close(co.closed)
		}
	})

	co.wr.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			select {
			case <-co.gatheringDone:
			default:
				close(co.gatheringDone)
			}
		}
	})

	return nil
}

// Close closes the connection.
func (co *PeerConnection) Close() {
	co.closeOnce.Do(func() {
		if co.wr == nil {
			return
		}

		close(co.terminated)

		co.trackMutex.Lock()
		for _, track := range co.OutgoingTracks {
			track.close()
		}
		co.trackMutex.Unlock()

		co.wr.GracefulClose() //nolint:errcheck
	})
}

// CreateDataChannel creates the reliable, ordered game channel.
func (co *PeerConnection) CreateDataChannel() (*webrtc.DataChannel, error) {
	ordered := true
	return co.wr.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

// CreateFullOffer creates an offer with every local candidate included.
func (co *PeerConnection) CreateFullOffer() (*webrtc.SessionDescription, error) {
	offer, err := co.wr.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	err = co.wr.SetLocalDescription(offer)
	if err != nil {
		return nil, err
	}

	err = co.waitGatheringDone()
	if err != nil {
		return nil, err
	}

	return co.wr.LocalDescription(), nil
}

// CreateFullAnswer answers an offer with every local candidate included.
func (co *PeerConnection) CreateFullAnswer(offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	err := co.wr.SetRemoteDescription(*offer)
	if err != nil {
		return nil, err
	}

	answer, err := co.wr.CreateAnswer(nil)
	if err != nil {
		if err == webrtc.ErrSenderWithNoCodecs {
			return nil, fmt.Errorf("codecs not supported by client")
		}
		return nil, err
	}

	err = co.wr.SetLocalDescription(answer)
	if err != nil {
		return nil, err
	}

	err = co.waitGatheringDone()
	if err != nil {
		return nil, err
	}

	return co.wr.LocalDescription(), nil
}

// CreatePartialOffer creates a renegotiation offer. The transport is
// already established, so there is no need to wait for candidates.
func (co *PeerConnection) CreatePartialOffer() (*webrtc.SessionDescription, error) {
	offer, err := co.wr.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	err = co.wr.SetLocalDescription(offer)
	if err != nil {
		return nil, err
	}

	return co.wr.LocalDescription(), nil
}

// CreateAnswer answers a renegotiation offer.
func (co *PeerConnection) CreateAnswer(offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	err := co.wr.SetRemoteDescription(*offer)
	if err != nil {
		return nil, err
	}

	answer, err := co.wr.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	err = co.wr.SetLocalDescription(answer)
	if err != nil {
		return nil, err
	}

	return co.wr.LocalDescription(), nil
}

// SetAnswer sets the answer.
func (co *PeerConnection) SetAnswer(answer *webrtc.SessionDescription) error {
	return co.wr.SetRemoteDescription(*answer)
}

func (co *PeerConnection) waitGatheringDone() error {
	select {
	case <-co.gatheringDone:
		return nil
	case <-co.terminated:
		return fmt.Errorf("terminated")
	case <-time.After(time.Duration(co.HandshakeTimeout)):
		return fmt.Errorf("deadline exceeded while gathering candidates")
	}
}

// WaitUntilConnected waits until the connection is established.
func (co *PeerConnection) WaitUntilConnected() error {
	t := time.NewTimer(time.Duration(co.HandshakeTimeout))
	defer t.Stop()

	select {
	case <-co.connected:
		return nil
	case <-co.failed:
		return fmt.Errorf("peer connection failed")
	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting connection")
	case <-co.terminated:
		return fmt.Errorf("terminated")
	}
}

// AddOutgoingTrack attaches an outgoing track mid-session. The new
// transceiver gets its MID on the next offer.
func (co *PeerConnection) AddOutgoingTrack(tr *OutgoingTrack) error {
	co.trackMutex.Lock()
	defer co.trackMutex.Unlock()

	err := tr.setup(co)
	if err != nil {
		return err
	}
	co.OutgoingTracks = append(co.OutgoingTracks, tr)
	return nil
}

// RemoveOutgoingTrack detaches an outgoing track mid-session.
func (co *PeerConnection) RemoveOutgoingTrack(tr *OutgoingTrack) error {
	co.trackMutex.Lock()
	defer co.trackMutex.Unlock()

	for i, cur := range co.OutgoingTracks {
		if cur == tr {
			co.OutgoingTracks = append(co.OutgoingTracks[:i], co.OutgoingTracks[i+1:]...)
			break
		}
	}

	tr.close()
	return co.wr.RemoveTrack(tr.sender)
}

// TrackMIDs maps every attached outgoing track to the MID of its
// transceiver. Valid after a local description has been set.
func (co *PeerConnection) TrackMIDs() map[*OutgoingTrack]string {
	co.trackMutex.Lock()
	defer co.trackMutex.Unlock()

	out := make(map[*OutgoingTrack]string, len(co.OutgoingTracks))
	for _, tx := range co.wr.GetTransceivers() {
		sender := tx.Sender()
		if sender == nil {
			continue
		}
		for _, tr := range co.OutgoingTracks {
			if sender.Track() == tr.track {
				out[tr] = tx.Mid()
			}
		}
	}
	return out
}

// midOfReceiver finds the MID of the transceiver owning a receiver.
// MIDs are already assigned when OnTrack fires, since it runs during
// the remote description exchange.
func (co *PeerConnection) midOfReceiver(receiver *webrtc.RTPReceiver) string {
	for _, tx := range co.wr.GetTransceivers() {
		if tx.Receiver() == receiver {
			return tx.Mid()
		}
	}
	return ""
}

// Connected returns when connected.
func (co *PeerConnection) Connected() <-chan struct{} {
	return co.connected
}

// Failed returns when failed.
func (co *PeerConnection) Failed() <-chan struct{} {
	return co.failed
}

// GatherIncomingTrack waits for the remote audio track and starts a
// relay on it.
func (co *PeerConnection) GatherIncomingTrack() (*IncomingTrack, error) {
	t := time.NewTimer(time.Duration(co.HandshakeTimeout))
	defer t.Stop()

	select {
	case pair := <-co.incomingTrack:
		track := &IncomingTrack{
			track:    pair.track,
			receiver: pair.receiver,
			log:      co.Log,
		}
		err := track.initialize()
		if err != nil {
			return nil, err
		}
		return track, nil

	case <-co.failed:
		return nil, fmt.Errorf("peer connection closed")

	case <-t.C:
		return nil, fmt.Errorf("deadline exceeded while waiting tracks")

	case <-co.terminated:
		return nil, fmt.Errorf("terminated")
	}
}

// NewDataChannel returns data channels opened by the remote peer.
func (co *PeerConnection) NewDataChannel() <-chan *webrtc.DataChannel {
	return co.newDataChannel
}
