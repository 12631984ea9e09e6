package wire

// ServerHello is sent after a successful authentication. It carries the
// player id, the spawn position and the raw tile grid of the spawn level.
type ServerHello struct {
	PlayerID   uint32
	Width      uint16
	Height     uint16
	SpawnX     uint16
	SpawnY     uint16
	LevelBytes []byte // Width*Height ASCII tile codes
	LevelName  string
}

// Marshal encodes the message payload.
func (m ServerHello) Marshal() []byte {
	var w writer
	w.uint32(m.PlayerID)
	w.uint16(m.Width)
	w.uint16(m.Height)
	w.uint16(m.SpawnX)
	w.uint16(m.SpawnY)
	w.uint16(uint16(len(m.LevelBytes)))
	w.bytes(m.LevelBytes)
	w.stringU8(m.LevelName)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *ServerHello) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	var err error
	if m.PlayerID, err = r.uint32(); err != nil {
		return err
	}
	if m.Width, err = r.uint16(); err != nil {
		return err
	}
	if m.Height, err = r.uint16(); err != nil {
		return err
	}
	if m.SpawnX, err = r.uint16(); err != nil {
		return err
	}
	if m.SpawnY, err = r.uint16(); err != nil {
		return err
	}

	n, err := r.uint16()
	if err != nil {
		return err
	}
	lb, err := r.bytes(int(n))
	if err != nil {
		return err
	}
	m.LevelBytes = append([]byte(nil), lb...)

	m.LevelName, err = r.stringU8()
	return err
}

// PositionUpdate is a client move request.
type PositionUpdate struct {
	Seq uint32
	X   uint16
	Y   uint16
}

// Marshal encodes the message payload.
func (m PositionUpdate) Marshal() []byte {
	var w writer
	w.uint32(m.Seq)
	w.uint16(m.X)
	w.uint16(m.Y)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *PositionUpdate) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	var err error
	if m.Seq, err = r.uint32(); err != nil {
		return err
	}
	if m.X, err = r.uint16(); err != nil {
		return err
	}
	m.Y, err = r.uint16()
	return err
}

// PositionAck is the authoritative server reply to a PositionUpdate.
// It always carries the server-side position, even on a rejected move.
type PositionAck struct {
	Seq uint32
	X   uint16
	Y   uint16
}

// Marshal encodes the message payload.
func (m PositionAck) Marshal() []byte {
	return PositionUpdate(m).Marshal()
}

// Unmarshal decodes the message payload.
func (m *PositionAck) Unmarshal(buf []byte) error {
	return (*PositionUpdate)(m).Unmarshal(buf)
}

// PlayerInfo is a single record inside WorldState.
type PlayerInfo struct {
	ID    uint32
	X     uint16
	Y     uint16
	Muted bool
	Name  string
	Level string
}

// WorldState is the full player roster.
type WorldState struct {
	Players []PlayerInfo
}

// Marshal encodes the message payload.
func (m WorldState) Marshal() []byte {
	var w writer
	w.uint32(uint32(len(m.Players)))
	for _, p := range m.Players {
		w.uint32(p.ID)
		w.uint16(p.X)
		w.uint16(p.Y)
		if p.Muted {
			w.uint8(1)
		} else {
			w.uint8(0)
		}
		w.stringU32(p.Name)
		w.stringU8(p.Level)
	}
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *WorldState) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	n, err := r.uint32()
	if err != nil {
		return err
	}
	if int(n) > r.remaining() {
		// each record is at least 14 bytes; a count beyond the
		// payload size cannot be valid.
		return ErrInvalidPayload
	}

	m.Players = make([]PlayerInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		var p PlayerInfo
		if p.ID, err = r.uint32(); err != nil {
			return err
		}
		if p.X, err = r.uint16(); err != nil {
			return err
		}
		if p.Y, err = r.uint16(); err != nil {
			return err
		}
		muted, err2 := r.uint8()
		if err2 != nil {
			return err2
		}
		p.Muted = muted != 0
		if p.Name, err = r.stringU32(); err != nil {
			return err
		}
		if p.Level, err = r.stringU8(); err != nil {
			return err
		}
		m.Players = append(m.Players, p)
	}
	return nil
}

// PlayerJoined announces a new player.
type PlayerJoined struct {
	ID   uint32
	Name string
}

// Marshal encodes the message payload.
func (m PlayerJoined) Marshal() []byte {
	var w writer
	w.uint32(m.ID)
	w.stringU32(m.Name)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *PlayerJoined) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	var err error
	if m.ID, err = r.uint32(); err != nil {
		return err
	}
	m.Name, err = r.stringU32()
	return err
}

// PlayerLeft announces a departed player.
type PlayerLeft struct {
	ID uint32
}

// Marshal encodes the message payload.
func (m PlayerLeft) Marshal() []byte {
	var w writer
	w.uint32(m.ID)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *PlayerLeft) Unmarshal(buf []byte) error {
	r := reader{buf: buf}
	var err error
	m.ID, err = r.uint32()
	if err != nil {
		return err
	}
	if r.remaining() != 0 {
		return ErrInvalidPayload
	}
	return nil
}

// MuteStatus carries a mute flag, in either direction.
type MuteStatus struct {
	Muted bool
}

// Marshal encodes the message payload.
func (m MuteStatus) Marshal() []byte {
	if m.Muted {
		return []byte{1}
	}
	return []byte{0}
}

// Unmarshal decodes the message payload.
func (m *MuteStatus) Unmarshal(buf []byte) error {
	if len(buf) != 1 {
		return ErrInvalidPayload
	}
	m.Muted = buf[0] != 0
	return nil
}

// DoorTransition tells the client it has moved to another level.
type DoorTransition struct {
	Level string
	X     uint16
	Y     uint16
}

// Marshal encodes the message payload.
func (m DoorTransition) Marshal() []byte {
	var w writer
	w.stringU16(m.Level)
	w.uint16(m.X)
	w.uint16(m.Y)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *DoorTransition) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	var err error
	if m.Level, err = r.stringU16(); err != nil {
		return err
	}
	if m.X, err = r.uint16(); err != nil {
		return err
	}
	m.Y, err = r.uint16()
	return err
}
