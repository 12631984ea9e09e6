package clientcore

type pendingMove struct {
	seq uint32
	dx  int
	dy  int
	ex  int
	ey  int
}

// predictor applies moves locally before the server confirms them and
// reconciles against authoritative acks.
type predictor struct {
	seq     uint32
	x       int
	y       int
	pending []pendingMove
}

func (p *predictor) position() (int, int) {
	return p.x, p.y
}

// snap sets the position from an authoritative source (spawn, door
// transition) and drops every pending move.
func (p *predictor) snap(x int, y int) {
	p.x = x
	p.y = y
	p.pending = p.pending[:0]
}

// move applies a step locally if it passes the client's walkability
// view. It returns the assigned sequence number.
func (p *predictor) move(dx int, dy int, walkable func(int, int) bool) (uint32, bool) {
	nx := p.x + dx
	ny := p.y + dy
	if !walkable(nx, ny) {
		return 0, false
	}

	p.seq++
	p.pending = append(p.pending, pendingMove{p.seq, dx, dy, nx, ny})
	p.x = nx
	p.y = ny
	return p.seq, true
}

// ack reconciles an authoritative position. Acked and older moves are
// discarded; on a mismatch the remaining queue is flushed and the
// position snaps to the server's. On a match the surviving moves are
// replayed from the acked position.
func (p *predictor) ack(seq uint32, sx int, sy int, walkable func(int, int) bool) {
	var acked *pendingMove
	rest := p.pending[:0]
	for i := range p.pending {
		m := p.pending[i]
		if m.seq == seq {
			acked = &m
		} else if m.seq > seq {
			rest = append(rest, m)
		}
	}
	p.pending = rest

	if acked == nil {
		// ack for a move this client never sent; trust it anyway
		p.snap(sx, sy)
		return
	}

	if acked.ex != sx || acked.ey != sy {
		p.snap(sx, sy)
		return
	}

	x := sx
	y := sy
	replayed := p.pending[:0]
	for _, m := range p.pending {
		nx := x + m.dx
		ny := y + m.dy
		if !walkable(nx, ny) {
			continue
		}
		m.ex = nx
		m.ey = ny
		replayed = append(replayed, m)
		x = nx
		y = ny
	}
	p.pending = replayed
	p.x = x
	p.y = y
}
