package game

import (
	"time"

	"github.com/gridtalk/gridtalk/internal/audio"
	"github.com/gridtalk/gridtalk/internal/router"
)

func (s *Server) runRouting() {
	defer s.wg.Done()

	t := time.NewTicker(time.Duration(s.RoutingInterval))
	defer t.Stop()

	for {
		select {
		case <-t.C:
			s.routeTick()

		case <-s.ctx.Done():
			return
		}
	}
}

// routeTick is one pass of the audio routing loop: ensure tracks for
// every in-range pair, fan queued inbound frames out to recipients
// with volume applied, then drop tracks whose source left the range.
func (s *Server) routeTick() {
	sessions := s.playingSessions()

	byID := make(map[uint32]*session, len(sessions))
	positions := make(map[uint32]router.Position, len(sessions))
	for _, se := range sessions {
		byID[se.id] = se
		positions[se.id] = se.position()
	}

	inRange := make(map[uint32]map[uint32]struct{}, len(sessions))
	for _, rcpt := range sessions {
		set := make(map[uint32]struct{})
		rp := positions[rcpt.id]

		for _, src := range sessions {
			if src.id == rcpt.id {
				continue
			}
			sp := positions[src.id]
			if sp.Level != rp.Level {
				continue
			}
			if router.Volume(sp.X-rp.X, sp.Y-rp.Y) == 0 {
				continue
			}

			set[src.id] = struct{}{}
			rcpt.outboundFor(src.id)
		}
		inRange[rcpt.id] = set
	}

	for _, src := range sessions {
		if src.relay == nil || !src.isWebRTCConnected() {
			continue
		}

		if src.isMuted() {
			// keep the queue from building up while muted
			src.relay.Drain()
			continue
		}

		recipients := s.Router.Recipients(src.id, false, positions)

		for {
			frame, ok := src.relay.ReadFrame()
			if !ok {
				break
			}

			for _, rec := range recipients {
				rcpt, ok2 := byID[rec.ID]
				if !ok2 {
					continue
				}
				track := rcpt.outboundFor(src.id)
				if track != nil {
					track.WriteFrame(audio.Scale(frame, rec.Volume))
				}
			}
		}
	}

	for _, rcpt := range sessions {
		rcpt.pruneOutbound(inRange[rcpt.id])
	}
}

func (s *Server) runRenegotiation() {
	defer s.wg.Done()

	t := time.NewTicker(time.Duration(s.RenegotiateInterval))
	defer t.Stop()

	for {
		select {
		case <-t.C:
			for _, se := range s.playingSessions() {
				se.renegotiate()
			}

		case <-s.ctx.Done():
			return
		}
	}
}
