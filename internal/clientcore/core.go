package clientcore

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pwebrtc "github.com/pion/webrtc/v4"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/auth"
	"github.com/gridtalk/gridtalk/internal/conf"
	"github.com/gridtalk/gridtalk/internal/levels"
	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/protocols/webrtc"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
	"github.com/gridtalk/gridtalk/internal/router"
)

// moveInterval is the client-side move rate limit (10 tiles/s). The
// server only checks adjacency.
const moveInterval = 100 * time.Millisecond

const levelFetchTimeout = 10 * time.Second

// Client connects to a server, keeps a predicted local position and
// routes remote voice into per-speaker playback streams.
type Client struct {
	Host             string
	Port             int
	Name             string
	IdentityDir      string
	CacheDir         string
	ScratchDir       string
	HandshakeTimeout conf.Duration
	EnableCapture    bool
	EnablePlayback   bool
	Parent           logger.Writer

	ctx       context.Context
	ctxCancel func()

	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	cache      *levelCache

	conn     net.Conn
	pc       *webrtc.PeerConnection
	dc       *pwebrtc.DataChannel
	micTrack *webrtc.OutgoingTrack
	capture  *audio.DeviceSource

	stateMutex  sync.Mutex
	playerID    uint32
	levelName   string
	level       *levels.Level
	pred        predictor
	muted       bool
	lastMove    time.Time
	seenWorld   bool
	players     map[uint32]wire.PlayerInfo
	names       map[uint32]string
	midToSource map[string]uint32
	speakers    map[uint32]*speakerStream

	sendMutex sync.Mutex
	dcReady   int32

	chDCMessage chan []byte
	chDCOpen    chan struct{}
	chManifest  chan []byte
	chFiles     chan []byte
	fetchMutex  sync.Mutex

	done chan struct{}
}

// Log implements logger.Writer.
func (c *Client) Log(level logger.Level, format string, args ...interface{}) {
	c.Parent.Log(level, "[client] "+format, args...)
}

// Initialize connects, authenticates, downloads the spawn level and
// completes the WebRTC handshake. On return the client is playing.
func (c *Client) Initialize() error {
	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.players = make(map[uint32]wire.PlayerInfo)
	c.names = make(map[uint32]string)
	c.midToSource = make(map[string]uint32)
	c.speakers = make(map[uint32]*speakerStream)
	c.chDCMessage = make(chan []byte, 64)
	c.chDCOpen = make(chan struct{})
	c.chManifest = make(chan []byte, 1)
	c.chFiles = make(chan []byte, 1)
	c.done = make(chan struct{})

	var err error
	c.publicKey, c.privateKey, err = loadOrCreateIdentity(c.IdentityDir)
	if err != nil {
		return err
	}

	c.cache = &levelCache{dir: c.CacheDir}
	err = c.cache.initialize()
	if err != nil {
		return err
	}

	c.conn, err = net.Dial("tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
	if err != nil {
		return err
	}

	err = c.initializeInner()
	if err != nil {
		if c.pc != nil {
			c.pc.Close()
		}
		c.conn.Close()
		return err
	}

	go c.run()

	return nil
}

func (c *Client) initializeInner() error {
	err := c.authenticate()
	if err != nil {
		return err
	}

	err = c.readHello()
	if err != nil {
		return err
	}

	level, err := c.fetchLevel(c.levelName, c.roundTripTCP)
	if err != nil {
		return err
	}
	c.level = level

	return c.startWebRTC()
}

func (c *Client) authenticate() error {
	typ, payload, err := c.readTCP()
	if err != nil {
		return err
	}
	if typ != wire.TypeAuthChallenge {
		return fmt.Errorf("expected challenge, got 0x%.2x", typ)
	}

	var challenge wire.AuthChallenge
	err = challenge.Unmarshal(payload)
	if err != nil {
		return err
	}

	resp := wire.AuthResponse{
		Signature: auth.Sign(c.privateKey, challenge.Nonce, c.Name),
		Name:      c.Name,
	}
	copy(resp.PublicKey[:], c.publicKey)

	err = wire.WriteMessage(c.conn, wire.TypeAuthResponse, resp.Marshal())
	if err != nil {
		return err
	}

	typ, payload, err = c.readTCP()
	if err != nil {
		return err
	}
	if typ != wire.TypeAuthResult {
		return fmt.Errorf("expected auth result, got 0x%.2x", typ)
	}

	var result wire.AuthResultMsg
	err = result.Unmarshal(payload)
	if err != nil {
		return err
	}
	if result.Result != wire.AuthSuccess {
		return fmt.Errorf("authentication rejected: %v", result.Result)
	}

	c.Log(logger.Info, "authenticated as '%s'", c.Name)
	return nil
}

func (c *Client) readHello() error {
	typ, payload, err := c.readTCP()
	if err != nil {
		return err
	}
	if typ != wire.TypeServerHello {
		return fmt.Errorf("expected hello, got 0x%.2x", typ)
	}

	var hello wire.ServerHello
	err = hello.Unmarshal(payload)
	if err != nil {
		return err
	}

	c.playerID = hello.PlayerID
	c.levelName = hello.LevelName
	c.pred.snap(int(hello.SpawnX), int(hello.SpawnY))

	c.Log(logger.Info, "spawned in '%s' at (%d, %d)",
		hello.LevelName, hello.SpawnX, hello.SpawnY)
	return nil
}

func (c *Client) startWebRTC() error {
	var err error
	c.micTrack, err = webrtc.NewOutgoingTrack(0, c)
	if err != nil {
		return err
	}

	c.pc = &webrtc.PeerConnection{
		HandshakeTimeout: c.HandshakeTimeout,
		Publish:          true,
		OutgoingTracks:   []*webrtc.OutgoingTrack{c.micTrack},
		Log:              c,
		OnIncomingTrack:  c.onIncomingTrack,
	}
	err = c.pc.Start()
	if err != nil {
		return err
	}

	c.dc, err = c.pc.CreateDataChannel()
	if err != nil {
		return err
	}
	c.dc.OnOpen(func() {
		close(c.chDCOpen)
	})
	c.dc.OnMessage(func(msg pwebrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case c.chDCMessage <- data:
		case <-c.ctx.Done():
		}
	})

	offer, err := c.pc.CreateFullOffer()
	if err != nil {
		return err
	}

	err = wire.WriteMessage(c.conn, wire.TypeWebRTCOffer,
		wire.SessionDescription{SDP: offer.SDP}.Marshal())
	if err != nil {
		return err
	}

	typ, payload, err := c.readTCP()
	if err != nil {
		return err
	}
	if typ != wire.TypeWebRTCAnswer {
		return fmt.Errorf("expected answer, got 0x%.2x", typ)
	}

	var desc wire.SessionDescription
	err = desc.Unmarshal(payload)
	if err != nil {
		return err
	}

	err = c.pc.SetAnswer(&pwebrtc.SessionDescription{
		Type: pwebrtc.SDPTypeAnswer,
		SDP:  desc.SDP,
	})
	if err != nil {
		return err
	}

	err = c.pc.WaitUntilConnected()
	if err != nil {
		return err
	}

	select {
	case <-c.chDCOpen:
	case <-time.After(time.Duration(c.HandshakeTimeout)):
		return fmt.Errorf("deadline exceeded while waiting for the game channel")
	}

	atomic.StoreInt32(&c.dcReady, 1)

	// all further traffic rides the data channel
	c.conn.Close()

	c.micTrack.Activate()

	if c.EnableCapture {
		c.capture = &audio.DeviceSource{Log: c}
		err = c.capture.Start(func(frame []float32) {
			if !c.Muted() {
				c.micTrack.WriteFrame(frame)
			}
		})
		if err != nil {
			c.Log(logger.Warn, "unable to open the capture device: %v", err)
			c.capture = nil
		}
	}

	return nil
}

func (c *Client) readTCP() (wire.Type, []byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.HandshakeTimeout))) //nolint:errcheck
	return wire.ReadMessage(c.conn)
}

func (c *Client) roundTripTCP(typ wire.Type, payload []byte) (wire.Type, []byte, error) {
	err := wire.WriteMessage(c.conn, typ, payload)
	if err != nil {
		return 0, nil, err
	}
	return c.readTCP()
}

func (c *Client) roundTripDC(typ wire.Type, payload []byte) (wire.Type, []byte, error) {
	var respType wire.Type
	var ch chan []byte

	switch typ {
	case wire.TypeLevelManifestRequest:
		respType = wire.TypeLevelManifest
		ch = c.chManifest

	case wire.TypeLevelFilesRequest:
		respType = wire.TypeLevelFilesData
		ch = c.chFiles

	default:
		return 0, nil, fmt.Errorf("unsupported request 0x%.2x", typ)
	}

	err := c.send(typ, payload)
	if err != nil {
		return 0, nil, err
	}

	select {
	case resp := <-ch:
		return respType, resp, nil
	case <-time.After(levelFetchTimeout):
		return 0, nil, fmt.Errorf("deadline exceeded while fetching level data")
	case <-c.ctx.Done():
		return 0, nil, fmt.Errorf("terminated")
	}
}

// fetchLevel downloads a level through the manifest/delta exchange,
// reusing cached files and verifying everything against the manifest.
func (c *Client) fetchLevel(
	name string,
	roundTrip func(wire.Type, []byte) (wire.Type, []byte, error),
) (*levels.Level, error) {
	c.fetchMutex.Lock()
	defer c.fetchMutex.Unlock()

	typ, payload, err := roundTrip(wire.TypeLevelManifestRequest,
		wire.LevelManifestRequest{Name: name}.Marshal())
	if err != nil {
		return nil, err
	}
	if typ != wire.TypeLevelManifest {
		return nil, fmt.Errorf("expected manifest, got 0x%.2x", typ)
	}

	var man wire.LevelManifest
	err = man.Unmarshal(payload)
	if err != nil {
		return nil, err
	}

	missing := c.cache.missingPaths(man.Manifest)

	fetched := make(map[string][]byte)
	if len(missing) != 0 {
		typ, payload, err = roundTrip(wire.TypeLevelFilesRequest,
			wire.LevelFilesRequest{Name: name, Paths: missing}.Marshal())
		if err != nil {
			return nil, err
		}
		if typ != wire.TypeLevelFilesData {
			return nil, fmt.Errorf("expected level files, got 0x%.2x", typ)
		}

		var files wire.LevelFilesData
		err = files.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		fetched = files.Files
	}

	contents, err := c.cache.assemble(man.Manifest, fetched)
	if err != nil {
		return nil, err
	}

	if c.ScratchDir != "" {
		err = writeScratch(c.ScratchDir, name, contents)
		if err != nil {
			return nil, err
		}
	}

	c.Log(logger.Debug, "level '%s': %d files, %d downloaded",
		name, len(contents), len(fetched))

	return levels.NewFromFiles(name, contents)
}

func (c *Client) run() {
	defer close(c.done)

	err := c.runInner()

	c.ctxCancel()

	c.stateMutex.Lock()
	closing := make([]*speakerStream, 0, len(c.speakers))
	for id, sp := range c.speakers {
		closing = append(closing, sp)
		delete(c.speakers, id)
	}
	c.stateMutex.Unlock()

	// streams are closed outside the lock: closing waits for the
	// playback worker, whose volume callback takes the same lock
	for _, sp := range closing {
		sp.close()
	}

	if c.capture != nil {
		c.capture.Close()
	}
	c.pc.Close()
	c.conn.Close()

	c.Log(logger.Info, "closed: %v", err)
}

func (c *Client) runInner() error {
	for {
		select {
		case byts := <-c.chDCMessage:
			typ, payload, err := wire.ParseFrame(byts)
			if err != nil {
				c.Log(logger.Warn, "invalid frame: %v", err)
				continue
			}
			err = c.handleMessage(typ, payload)
			if err != nil {
				return err
			}

		case <-c.pc.Failed():
			return fmt.Errorf("peer connection failed")

		case <-c.ctx.Done():
			return fmt.Errorf("terminated")
		}
	}
}

func (c *Client) handleMessage(typ wire.Type, payload []byte) error {
	switch typ {
	case wire.TypeWorldState:
		var ws wire.WorldState
		err := ws.Unmarshal(payload)
		if err != nil {
			return err
		}
		c.applyWorldState(&ws)

	case wire.TypePlayerJoined:
		var msg wire.PlayerJoined
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}
		c.stateMutex.Lock()
		c.names[msg.ID] = msg.Name
		c.stateMutex.Unlock()
		c.Log(logger.Info, "'%s' joined", msg.Name)

	case wire.TypePlayerLeft:
		var msg wire.PlayerLeft
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}
		c.stateMutex.Lock()
		if name, ok := c.names[msg.ID]; ok {
			c.Log(logger.Info, "'%s' left", name)
		}
		delete(c.names, msg.ID)
		delete(c.players, msg.ID)
		sp := c.speakers[msg.ID]
		delete(c.speakers, msg.ID)
		c.stateMutex.Unlock()

		if sp != nil {
			sp.close()
		}

	case wire.TypePositionAck:
		var ack wire.PositionAck
		err := ack.Unmarshal(payload)
		if err != nil {
			return err
		}
		c.stateMutex.Lock()
		c.pred.ack(ack.Seq, int(ack.X), int(ack.Y), c.walkableLocked)
		c.stateMutex.Unlock()

	case wire.TypeDoorTransition:
		var msg wire.DoorTransition
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}
		c.handleDoorTransition(&msg)

	case wire.TypeAudioTrackMap:
		var msg wire.AudioTrackMap
		err := msg.Unmarshal(payload)
		if err != nil {
			return err
		}
		c.stateMutex.Lock()
		for mid, sourceID := range msg.Map {
			c.midToSource[mid] = sourceID
		}
		c.stateMutex.Unlock()

	case wire.TypeWebRTCOffer:
		var desc wire.SessionDescription
		err := desc.Unmarshal(payload)
		if err != nil {
			return err
		}

		answer, err := c.pc.CreateAnswer(&pwebrtc.SessionDescription{
			Type: pwebrtc.SDPTypeOffer,
			SDP:  desc.SDP,
		})
		if err != nil {
			return err
		}

		return c.send(wire.TypeWebRTCAnswer,
			wire.SessionDescription{SDP: answer.SDP}.Marshal())

	case wire.TypePing:
		return c.send(wire.TypePong, nil)

	case wire.TypeLevelManifest:
		select {
		case c.chManifest <- payload:
		default:
		}

	case wire.TypeLevelFilesData:
		select {
		case c.chFiles <- payload:
		default:
		}

	default:
		c.Log(logger.Debug, "ignoring message 0x%.2x", typ)
	}

	return nil
}

func (c *Client) applyWorldState(ws *wire.WorldState) {
	c.stateMutex.Lock()

	c.players = make(map[uint32]wire.PlayerInfo, len(ws.Players))
	for _, p := range ws.Players {
		if p.ID == c.playerID {
			continue
		}
		c.players[p.ID] = p
		c.names[p.ID] = p.Name
	}
	c.seenWorld = true

	// tear down playback for speakers that moved out of range.
	// The streams are collected and closed after the lock is
	// released, closing waits for the playback worker and the
	// worker's volume callback takes the same lock.
	var closing []*speakerStream
	myX, myY := c.pred.position()
	for id, sp := range c.speakers {
		p, ok := c.players[id]
		if ok && p.Level == c.levelName &&
			router.Volume(int(p.X)-myX, int(p.Y)-myY) > 0 {
			continue
		}
		closing = append(closing, sp)
		delete(c.speakers, id)
	}

	c.stateMutex.Unlock()

	for _, sp := range closing {
		sp.close()
	}
}

func (c *Client) handleDoorTransition(msg *wire.DoorTransition) {
	c.stateMutex.Lock()
	c.levelName = msg.Level
	c.level = nil // moves are blocked until the new level is loaded
	c.pred.snap(int(msg.X), int(msg.Y))
	c.stateMutex.Unlock()

	c.Log(logger.Info, "entered '%s' at (%d, %d)", msg.Level, msg.X, msg.Y)

	go func() {
		level, err := c.fetchLevel(msg.Level, c.roundTripDC)
		if err != nil {
			c.Log(logger.Error, "unable to fetch level '%s': %v", msg.Level, err)
			c.ctxCancel()
			return
		}

		c.stateMutex.Lock()
		if c.levelName == level.Name {
			c.level = level
		}
		c.stateMutex.Unlock()
	}()
}

func (c *Client) walkableLocked(x int, y int) bool {
	if c.level == nil {
		return false
	}
	return c.level.IsWalkable(x, y)
}

func (c *Client) send(typ wire.Type, payload []byte) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if atomic.LoadInt32(&c.dcReady) == 1 {
		return c.dc.Send(wire.Frame(typ, payload))
	}
	return wire.WriteMessage(c.conn, typ, payload)
}

// Move requests a single-tile step, applying it locally first. It
// returns false when the step is rate limited or not walkable.
func (c *Client) Move(dx int, dy int) bool {
	c.stateMutex.Lock()

	now := time.Now()
	if now.Sub(c.lastMove) < moveInterval {
		c.stateMutex.Unlock()
		return false
	}

	seq, ok := c.pred.move(dx, dy, c.walkableLocked)
	if !ok {
		c.stateMutex.Unlock()
		return false
	}
	c.lastMove = now
	x, y := c.pred.position()
	c.stateMutex.Unlock()

	err := c.send(wire.TypePositionUpdate, wire.PositionUpdate{
		Seq: seq,
		X:   uint16(x),
		Y:   uint16(y),
	}.Marshal())
	if err != nil {
		c.Log(logger.Warn, "unable to send move: %v", err)
		return false
	}
	return true
}

// SetMuted toggles the microphone and tells the server, which stops
// routing this client's audio.
func (c *Client) SetMuted(muted bool) error {
	c.stateMutex.Lock()
	c.muted = muted
	c.stateMutex.Unlock()

	return c.send(wire.TypeMuteStatus, wire.MuteStatus{Muted: muted}.Marshal())
}

// Muted returns the local mute flag.
func (c *Client) Muted() bool {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.muted
}

// Position returns the predicted position.
func (c *Client) Position() (string, int, int) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	x, y := c.pred.position()
	return c.levelName, x, y
}

// Players returns the last received world state, excluding this client.
func (c *Client) Players() []wire.PlayerInfo {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	out := make([]wire.PlayerInfo, 0, len(c.players))
	for _, p := range c.players {
		out = append(out, p)
	}
	return out
}

// Wait waits until the client exits.
func (c *Client) Wait() {
	<-c.done
}

// Close closes the client and waits for all goroutines to return.
func (c *Client) Close() {
	c.ctxCancel()
	<-c.done
}
