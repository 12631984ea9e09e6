// Package game contains the TCP game and signalling server.
package game

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gridtalk/gridtalk/internal/conf"
	"github.com/gridtalk/gridtalk/internal/levels"
	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
	"github.com/gridtalk/gridtalk/internal/router"
	"github.com/gridtalk/gridtalk/internal/storage"
)

type serverParent interface {
	logger.Writer
}

// Server accepts voice clients over TCP, authenticates them, serves
// levels and runs the audio routing and renegotiation loops.
type Server struct {
	Address             string
	HandshakeTimeout    conf.Duration
	PingInterval        conf.Duration
	PingTimeout         conf.Duration
	RoutingInterval     conf.Duration
	RenegotiateInterval conf.Duration
	Levels              *levels.Registry
	Storage             *storage.PlayerStorage
	Router              *router.Router
	Parent              serverParent

	ctx       context.Context
	ctxCancel func()
	wg        sync.WaitGroup
	ln        net.Listener
	nextID    uint32

	// players holds sessions in the Playing state. The accepting
	// session inserts itself, only its own teardown removes it.
	playersMutex sync.Mutex
	players      map[uint32]*session

	chNewConn      chan net.Conn
	chAcceptErr    chan error
	chCloseSession chan *session
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	var err error
	s.ln, err = net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())

	s.players = make(map[uint32]*session)
	s.chNewConn = make(chan net.Conn)
	s.chAcceptErr = make(chan error)
	s.chCloseSession = make(chan *session)

	s.Log(logger.Info, "listener opened on %s", s.Address)

	s.wg.Add(4)
	go s.runAccept()
	go s.run()
	go s.runRouting()
	go s.runRenegotiation()

	return nil
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[game] "+format, args...)
}

// Close closes the server.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")
	s.ctxCancel()
	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) runAccept() {
	defer s.wg.Done()

	for {
		nconn, err := s.ln.Accept()
		if err != nil {
			select {
			case s.chAcceptErr <- err:
			case <-s.ctx.Done():
			}
			return
		}

		select {
		case s.chNewConn <- nconn:
		case <-s.ctx.Done():
			nconn.Close()
			return
		}
	}
}

func (s *Server) run() {
	defer s.wg.Done()

	sessions := make(map[*session]struct{})

outer:
	for {
		select {
		case err := <-s.chAcceptErr:
			select {
			case <-s.ctx.Done():
			default:
				s.Log(logger.Error, "%s", err)
			}
			break outer

		case nconn := <-s.chNewConn:
			se := &session{
				parentCtx: s.ctx,
				conn:      nconn,
				wg:        &s.wg,
				server:    s,
			}
			se.initialize()
			sessions[se] = struct{}{}

		case se := <-s.chCloseSession:
			delete(sessions, se)

		case <-s.ctx.Done():
			break outer
		}
	}

	s.ctxCancel()
}

// closeSession is called by session.
func (s *Server) closeSession(se *session) {
	select {
	case s.chCloseSession <- se:
	case <-s.ctx.Done():
	}
}

func (s *Server) newPlayerID() uint32 {
	return atomic.AddUint32(&s.nextID, 1)
}

// addPlayer inserts a session into the Playing registry.
func (s *Server) addPlayer(se *session) {
	s.playersMutex.Lock()
	defer s.playersMutex.Unlock()
	s.players[se.id] = se
}

// removePlayer removes a session from the Playing registry.
func (s *Server) removePlayer(se *session) {
	s.playersMutex.Lock()
	defer s.playersMutex.Unlock()
	if s.players[se.id] == se {
		delete(s.players, se.id)
	}
}

// playingSessions snapshots the Playing registry.
func (s *Server) playingSessions() []*session {
	s.playersMutex.Lock()
	defer s.playersMutex.Unlock()

	out := make([]*session, 0, len(s.players))
	for _, se := range s.players {
		out = append(out, se)
	}
	return out
}

// keyIsConnected reports whether a public key belongs to a session
// that is currently playing.
func (s *Server) keyIsConnected(key [wire.PublicKeySize]byte) bool {
	s.playersMutex.Lock()
	defer s.playersMutex.Unlock()

	for _, se := range s.players {
		if se.publicKey == key {
			return true
		}
	}
	return false
}

// positions snapshots every playing player's position.
func (s *Server) positions() map[uint32]router.Position {
	out := make(map[uint32]router.Position)
	for _, se := range s.playingSessions() {
		out[se.id] = se.position()
	}
	return out
}

// worldState builds the full roster.
func (s *Server) worldState() wire.WorldState {
	var state wire.WorldState
	for _, se := range s.playingSessions() {
		pos := se.position()
		state.Players = append(state.Players, wire.PlayerInfo{
			ID:    se.id,
			X:     uint16(pos.X),
			Y:     uint16(pos.Y),
			Muted: se.isMuted(),
			Name:  se.name,
			Level: pos.Level,
		})
	}
	return state
}

// broadcast sends a message to every playing session.
func (s *Server) broadcast(typ wire.Type, payload []byte) {
	for _, se := range s.playingSessions() {
		se.send(typ, payload) //nolint:errcheck
	}
}

// broadcastWorldState sends the current roster to every playing session.
func (s *Server) broadcastWorldState() {
	s.broadcast(wire.TypeWorldState, s.worldState().Marshal())
}
