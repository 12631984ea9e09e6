package game

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	pwebrtc "github.com/pion/webrtc/v4"

	"github.com/gridtalk/gridtalk/internal/auth"
	"github.com/gridtalk/gridtalk/internal/levels"
	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/protocols/webrtc"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
	"github.com/gridtalk/gridtalk/internal/router"
	"github.com/gridtalk/gridtalk/internal/storage"
)

var errTerminated = errors.New("terminated")

type message struct {
	typ     wire.Type
	payload []byte
}

type outboundTrack struct {
	track    *webrtc.OutgoingTrack
	attached bool
}

type session struct {
	parentCtx context.Context
	conn      net.Conn
	wg        *sync.WaitGroup
	server    *Server

	uuid      uuid.UUID
	ctx       context.Context
	ctxCancel func()
	created   time.Time

	id        uint32
	name      string
	publicKey [wire.PublicKeySize]byte

	stateMutex         sync.Mutex
	level              *levels.Level
	levelName          string
	x                  int
	y                  int
	muted              bool
	playing            bool
	webrtcConnected    bool
	needsRenegotiation bool
	outbound           map[uint32]*outboundTrack

	pc    *webrtc.PeerConnection
	dc    *pwebrtc.DataChannel
	relay *webrtc.IncomingTrack

	sendMutex sync.Mutex
	dcReady   int32

	chDCMessage chan []byte

	pongMutex sync.Mutex
	lastPong  time.Time
	pingSent  time.Time
	pingMs    float64
}

func (se *session) initialize() {
	se.uuid = uuid.New()
	se.ctx, se.ctxCancel = context.WithCancel(se.parentCtx)
	se.created = time.Now()
	se.chDCMessage = make(chan []byte)
	se.outbound = make(map[uint32]*outboundTrack)

	se.wg.Add(1)
	go se.run()
}

// Log implements logger.Writer.
func (se *session) Log(level logger.Level, format string, args ...interface{}) {
	se.server.Log(level, "[session %s] "+format, append([]interface{}{se.uuid.String()[:8]}, args...)...)
}

func (se *session) run() {
	defer se.wg.Done()

	se.Log(logger.Info, "opened from %s", se.conn.RemoteAddr())

	err := se.runInner()

	se.ctxCancel()
	se.teardown()
	se.server.closeSession(se)

	se.Log(logger.Info, "closed: %v", err)
}

func (se *session) teardown() {
	se.stateMutex.Lock()
	wasPlaying := se.playing
	se.playing = false
	se.webrtcConnected = false
	pos := storage.PlayerState{X: se.x, Y: se.y, Level: se.levelName}
	se.stateMutex.Unlock()

	if se.relay != nil {
		se.relay.Close()
	}
	if se.pc != nil {
		se.pc.Close()
	}
	se.conn.Close()

	if wasPlaying {
		err := se.server.Storage.SaveState(se.name, pos)
		if err != nil {
			se.Log(logger.Warn, "unable to persist state: %v", err)
		}

		se.server.removePlayer(se)
		se.server.Router.Invalidate(se.id)

		se.server.broadcast(wire.TypePlayerLeft, wire.PlayerLeft{ID: se.id}.Marshal())
		se.server.broadcastWorldState()
	}
}

func (se *session) runInner() error {
	messages := make(chan message)
	readErr := make(chan error)

	go func() {
		for {
			typ, payload, err := wire.ReadMessage(se.conn)
			if err != nil {
				select {
				case readErr <- err:
				case <-se.ctx.Done():
				}
				return
			}
			select {
			case messages <- message{typ, payload}:
			case <-se.ctx.Done():
				return
			}
		}
	}()

	err := se.authenticate(messages, readErr)
	if err != nil {
		return err
	}

	err = se.sendHello()
	if err != nil {
		return err
	}

	// serve level requests on TCP until the client sends its offer
	for {
		select {
		case msg := <-messages:
			switch msg.typ {
			case wire.TypeLevelManifestRequest,
				wire.TypeLevelFilesRequest,
				wire.TypeLevelPackRequest:
				err = se.handleLevelRequest(msg.typ, msg.payload)
				if err != nil {
					return err
				}

			case wire.TypeWebRTCOffer:
				return se.startPlaying(msg.payload, readErr)

			default:
				se.Log(logger.Debug, "ignoring message type 0x%.2x", byte(msg.typ))
			}

		case err = <-readErr:
			return err

		case <-se.ctx.Done():
			return errTerminated
		}
	}
}

func (se *session) authenticate(messages chan message, readErr chan error) error {
	nonce, err := auth.GenerateNonce()
	if err != nil {
		return err
	}

	err = se.send(wire.TypeAuthChallenge, wire.AuthChallenge{Nonce: nonce}.Marshal())
	if err != nil {
		return err
	}

	t := time.NewTimer(time.Duration(se.server.HandshakeTimeout))
	defer t.Stop()

	var resp wire.AuthResponse

	select {
	case msg := <-messages:
		if msg.typ != wire.TypeAuthResponse {
			return fmt.Errorf("expected auth response, got type 0x%.2x", byte(msg.typ))
		}
		err = resp.Unmarshal(msg.payload)
		if err != nil {
			return err
		}

	case err = <-readErr:
		return err

	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting auth response")

	case <-se.ctx.Done():
		return errTerminated
	}

	result := se.checkAuth(&resp, nonce)

	err = se.send(wire.TypeAuthResult, wire.AuthResultMsg{Result: result}.Marshal())
	if err != nil {
		return err
	}
	if result != wire.AuthSuccess {
		return fmt.Errorf("authentication failed: %s", result)
	}

	se.name = resp.Name
	se.publicKey = resp.PublicKey
	se.id = se.server.newPlayerID()

	se.Log(logger.Info, "authenticated as '%s' (player %d)", se.name, se.id)
	return nil
}

func (se *session) checkAuth(resp *wire.AuthResponse, nonce [wire.NonceSize]byte) wire.AuthResult {
	if !auth.NameIsValid(resp.Name) {
		return wire.AuthInvalidName
	}
	if !auth.Verify(resp.PublicKey, nonce, resp.Name, resp.Signature) {
		return wire.AuthInvalidSignature
	}

	existingKey, hasKey := se.server.Storage.PublicKey(resp.Name)
	if hasKey && existingKey != resp.PublicKey {
		return wire.AuthNameTaken
	}

	existingName, hasName := se.server.Storage.NameByKey(resp.PublicKey)
	if hasName && existingName != resp.Name {
		return wire.AuthKeyMismatch
	}

	if !hasKey {
		err := se.server.Storage.Register(resp.Name, resp.PublicKey)
		if err != nil {
			se.Log(logger.Warn, "unable to register player: %v", err)
			return wire.AuthNameTaken
		}
	}

	if se.server.keyIsConnected(resp.PublicKey) {
		return wire.AuthAlreadyConnected
	}

	return wire.AuthSuccess
}

// sendHello resolves the spawn position and sends the server hello.
// The persisted position is used when it is still inside a loaded
// level and walkable, otherwise a fresh spawn.
func (se *session) sendHello() error {
	levelName := "main"
	level, _ := se.server.Levels.Level(levelName)
	x, y := -1, -1

	if state, ok := se.server.Storage.State(se.name); ok {
		if l, ok2 := se.server.Levels.Level(state.Level); ok2 && l.IsWalkable(state.X, state.Y) {
			levelName = state.Level
			level = l
			x, y = state.X, state.Y
		}
	}
	if x < 0 {
		x, y = level.SpawnPosition()
	}

	se.stateMutex.Lock()
	se.level = level
	se.levelName = levelName
	se.x = x
	se.y = y
	se.stateMutex.Unlock()

	return se.send(wire.TypeServerHello, wire.ServerHello{
		PlayerID:   se.id,
		Width:      uint16(level.Width),
		Height:     uint16(level.Height),
		SpawnX:     uint16(x),
		SpawnY:     uint16(y),
		LevelBytes: level.Bytes(),
		LevelName:  levelName,
	}.Marshal())
}

func (se *session) startPlaying(offerPayload []byte, readErr chan error) error {
	var offerMsg wire.SessionDescription
	err := offerMsg.Unmarshal(offerPayload)
	if err != nil {
		return err
	}

	var desc sdp.SessionDescription
	err = desc.Unmarshal([]byte(offerMsg.SDP))
	if err != nil {
		return err
	}
	err = webrtc.TracksAreValid(desc.MediaDescriptions)
	if err != nil {
		return err
	}

	se.pc = &webrtc.PeerConnection{
		HandshakeTimeout: se.server.HandshakeTimeout,
		Log:              se,
	}
	err = se.pc.Start()
	if err != nil {
		return err
	}

	answer, err := se.pc.CreateFullAnswer(&pwebrtc.SessionDescription{
		Type: pwebrtc.SDPTypeOffer,
		SDP:  offerMsg.SDP,
	})
	if err != nil {
		return err
	}

	err = se.send(wire.TypeWebRTCAnswer, wire.SessionDescription{SDP: answer.SDP}.Marshal())
	if err != nil {
		return err
	}

	err = se.pc.WaitUntilConnected()
	if err != nil {
		return err
	}

	err = se.waitDataChannel(readErr)
	if err != nil {
		return err
	}

	se.relay, err = se.pc.GatherIncomingTrack()
	if err != nil {
		return err
	}

	// further signalling rides the data channel
	se.conn.Close()

	se.stateMutex.Lock()
	se.playing = true
	se.webrtcConnected = true
	se.stateMutex.Unlock()

	se.server.addPlayer(se)
	se.server.Router.InvalidateAll()

	se.server.broadcast(wire.TypePlayerJoined, wire.PlayerJoined{ID: se.id, Name: se.name}.Marshal())
	se.server.broadcastWorldState()

	se.createInitialTracks()
	se.renegotiate()

	return se.playingLoop()
}

func (se *session) waitDataChannel(readErr chan error) error {
	t := time.NewTimer(time.Duration(se.server.HandshakeTimeout))
	defer t.Stop()

	var dc *pwebrtc.DataChannel

	select {
	case dc = <-se.pc.NewDataChannel():
	case err := <-readErr:
		return err
	case <-se.pc.Failed():
		return fmt.Errorf("peer connection failed")
	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting data channel")
	case <-se.ctx.Done():
		return errTerminated
	}

	if dc.Label() != webrtc.DataChannelLabel {
		return fmt.Errorf("unexpected data channel '%s'", dc.Label())
	}

	open := make(chan struct{})
	dc.OnOpen(func() {
		close(open)
	})
	dc.OnMessage(func(msg pwebrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case se.chDCMessage <- data:
		case <-se.ctx.Done():
		}
	})

	select {
	case <-open:
	case <-se.pc.Failed():
		return fmt.Errorf("peer connection failed")
	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting data channel")
	case <-se.ctx.Done():
		return errTerminated
	}

	se.sendMutex.Lock()
	se.dc = dc
	se.sendMutex.Unlock()
	atomic.StoreInt32(&se.dcReady, 1)

	return nil
}

// createInitialTracks prepares an outbound track for every speaker
// already in range of the new player.
func (se *session) createInitialTracks() {
	positions := se.server.positions()
	own := positions[se.id]

	for id, pos := range positions {
		if id == se.id || pos.Level != own.Level {
			continue
		}
		if router.Volume(pos.X-own.X, pos.Y-own.Y) > 0 {
			se.outboundFor(id)
		}
	}
}

func (se *session) playingLoop() error {
	pingTicker := time.NewTicker(time.Duration(se.server.PingInterval))
	defer pingTicker.Stop()

	se.pongMutex.Lock()
	se.lastPong = time.Now()
	se.pongMutex.Unlock()

	for {
		select {
		case data := <-se.chDCMessage:
			typ, payload, err := wire.ParseFrame(data)
			if err != nil {
				return err
			}
			err = se.handlePlayingMessage(typ, payload)
			if err != nil {
				return err
			}

		case <-pingTicker.C:
			se.pongMutex.Lock()
			late := time.Since(se.lastPong) > time.Duration(se.server.PingTimeout)
			se.pingSent = time.Now()
			se.pongMutex.Unlock()

			if late {
				return fmt.Errorf("ping timeout")
			}
			se.send(wire.TypePing, nil) //nolint:errcheck

		case <-se.pc.Failed():
			return fmt.Errorf("peer connection failed")

		case <-se.ctx.Done():
			return errTerminated
		}
	}
}

func (se *session) handlePlayingMessage(typ wire.Type, payload []byte) error {
	switch typ {
	case wire.TypePositionUpdate:
		var msg wire.PositionUpdate
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}
		return se.handleMove(&msg)

	case wire.TypeMuteStatus:
		var msg wire.MuteStatus
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}

		se.stateMutex.Lock()
		se.muted = msg.Muted
		se.stateMutex.Unlock()

		se.server.broadcastWorldState()
		return nil

	case wire.TypePong:
		se.pongMutex.Lock()
		now := time.Now()
		se.lastPong = now
		if !se.pingSent.IsZero() {
			se.pingMs = float64(now.Sub(se.pingSent)) / float64(time.Millisecond)
		}
		se.pongMutex.Unlock()
		return nil

	case wire.TypeWebRTCAnswer:
		var msg wire.SessionDescription
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}
		return se.pc.SetAnswer(&pwebrtc.SessionDescription{
			Type: pwebrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		})

	case wire.TypeLevelManifestRequest,
		wire.TypeLevelFilesRequest,
		wire.TypeLevelPackRequest:
		return se.handleLevelRequest(typ, payload)

	default:
		se.Log(logger.Debug, "ignoring message type 0x%.2x", byte(typ))
		return nil
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// handleMove applies a movement request. Moves are restricted to
// adjacent tiles; the ack always carries the authoritative position.
func (se *session) handleMove(msg *wire.PositionUpdate) error {
	nx, ny := int(msg.X), int(msg.Y)

	var transition *wire.DoorTransition

	se.stateMutex.Lock()

	if abs(nx-se.x) <= 1 && abs(ny-se.y) <= 1 {
		if door, ok := se.level.DoorAt(nx, ny); ok {
			targetName := door.TargetLevel
			if targetName == "" {
				targetName = se.levelName
			}

			if target, ok2 := se.server.Levels.Level(targetName); ok2 {
				if targetName != se.levelName {
					transition = &wire.DoorTransition{
						Level: targetName,
						X:     uint16(door.TargetX),
						Y:     uint16(door.TargetY),
					}
					se.level = target
					se.levelName = targetName
				}
				se.x = door.TargetX
				se.y = door.TargetY
			}
		} else if se.level.IsWalkable(nx, ny) {
			se.x = nx
			se.y = ny
		}
	}

	ack := wire.PositionAck{Seq: msg.Seq, X: uint16(se.x), Y: uint16(se.y)}
	se.stateMutex.Unlock()

	if transition != nil {
		err := se.send(wire.TypeDoorTransition, transition.Marshal())
		if err != nil {
			return err
		}
	}

	err := se.send(wire.TypePositionAck, ack.Marshal())
	if err != nil {
		return err
	}

	se.server.broadcastWorldState()
	return nil
}

func (se *session) handleLevelRequest(typ wire.Type, payload []byte) error {
	switch typ {
	case wire.TypeLevelManifestRequest:
		var req wire.LevelManifestRequest
		err := req.Unmarshal(payload)
		if err != nil {
			return err
		}

		man, ok := se.server.Levels.Manifest(req.Name)
		if !ok {
			se.Log(logger.Warn, "manifest requested for unknown level '%s'", req.Name)
		}
		return se.send(wire.TypeLevelManifest, wire.LevelManifest{Manifest: man}.Marshal())

	case wire.TypeLevelFilesRequest:
		var req wire.LevelFilesRequest
		err := req.Unmarshal(payload)
		if err != nil {
			return err
		}

		files, ok := se.server.Levels.Files(req.Name, req.Paths)
		if !ok {
			se.Log(logger.Warn, "files requested for unknown level '%s'", req.Name)
		}
		return se.send(wire.TypeLevelFilesData, wire.LevelFilesData{Files: files}.Marshal())

	default: // wire.TypeLevelPackRequest
		var req wire.LevelPackRequest
		err := req.Unmarshal(payload)
		if err != nil {
			return err
		}

		tarball, ok := se.server.Levels.Tarball(req.Name)
		if !ok {
			se.Log(logger.Warn, "pack requested for unknown level '%s'", req.Name)
		}
		return se.send(wire.TypeLevelPackData, wire.LevelPackData{Tar: tarball}.Marshal())
	}
}

// send writes a message on the data channel once it is open, on the
// TCP connection before that.
func (se *session) send(typ wire.Type, payload []byte) error {
	se.sendMutex.Lock()
	defer se.sendMutex.Unlock()

	if atomic.LoadInt32(&se.dcReady) == 1 {
		return se.dc.Send(wire.Frame(typ, payload))
	}
	return wire.WriteMessage(se.conn, typ, payload)
}

func (se *session) position() router.Position {
	se.stateMutex.Lock()
	defer se.stateMutex.Unlock()
	return router.Position{Level: se.levelName, X: se.x, Y: se.y}
}

func (se *session) isMuted() bool {
	se.stateMutex.Lock()
	defer se.stateMutex.Unlock()
	return se.muted
}

func (se *session) isWebRTCConnected() bool {
	se.stateMutex.Lock()
	defer se.stateMutex.Unlock()
	return se.webrtcConnected
}

// outboundFor returns the outbound track carrying a source's voice,
// creating it (and scheduling a renegotiation) when missing.
func (se *session) outboundFor(srcID uint32) *webrtc.OutgoingTrack {
	se.stateMutex.Lock()
	defer se.stateMutex.Unlock()

	if !se.playing {
		return nil
	}
	if ot, ok := se.outbound[srcID]; ok {
		return ot.track
	}

	track, err := webrtc.NewOutgoingTrack(srcID, se)
	if err != nil {
		se.Log(logger.Warn, "unable to create outbound track: %v", err)
		return nil
	}

	se.outbound[srcID] = &outboundTrack{track: track}
	se.needsRenegotiation = true
	return track
}

// pruneOutbound removes outbound tracks whose source has left the
// hearing range.
func (se *session) pruneOutbound(inRange map[uint32]struct{}) {
	se.stateMutex.Lock()
	defer se.stateMutex.Unlock()

	for id, ot := range se.outbound {
		if _, ok := inRange[id]; ok {
			continue
		}

		if ot.attached {
			err := se.pc.RemoveOutgoingTrack(ot.track)
			if err != nil {
				se.Log(logger.Warn, "unable to remove outbound track: %v", err)
			}
		}
		delete(se.outbound, id)
		se.needsRenegotiation = true
	}
}

// renegotiate attaches pending outbound tracks and re-offers. The
// track map goes out before the offer, the client's on-track handler
// fires during setRemoteDescription and must already know the mapping.
func (se *session) renegotiate() {
	se.stateMutex.Lock()

	if !se.playing || !se.webrtcConnected || !se.needsRenegotiation {
		se.stateMutex.Unlock()
		return
	}

	for _, ot := range se.outbound {
		if ot.attached {
			continue
		}
		err := se.pc.AddOutgoingTrack(ot.track)
		if err != nil {
			se.Log(logger.Warn, "unable to attach outbound track: %v", err)
			continue
		}
		ot.attached = true
		ot.track.Activate()
	}

	offer, err := se.pc.CreatePartialOffer()
	if err != nil {
		se.stateMutex.Unlock()
		se.Log(logger.Warn, "unable to create offer: %v", err)
		return
	}

	mids := se.pc.TrackMIDs()
	trackMap := make(map[string]uint32)
	for id, ot := range se.outbound {
		if mid, ok := mids[ot.track]; ok && mid != "" {
			trackMap[mid] = id
		}
	}

	se.needsRenegotiation = false
	se.stateMutex.Unlock()

	se.send(wire.TypeAudioTrackMap, wire.AudioTrackMap{Map: trackMap}.Marshal()) //nolint:errcheck
	se.send(wire.TypeWebRTCOffer, wire.SessionDescription{SDP: offer.SDP}.Marshal()) //nolint:errcheck
}
