package wire

import (
	"encoding/json"
)

// SessionDescription carries an SDP offer or answer.
// The initial exchange rides TCP; renegotiation rides the data channel.
type SessionDescription struct {
	SDP string
}

// Marshal encodes the message payload.
func (m SessionDescription) Marshal() []byte {
	var w writer
	w.stringU32(m.SDP)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *SessionDescription) Unmarshal(buf []byte) error {
	r := reader{buf: buf}
	var err error
	m.SDP, err = r.stringU32()
	return err
}

// AudioTrackMap maps SDP media ids to source player ids. It is sent
// before the renegotiation offer that introduces the MIDs, so the
// client can route the first incoming frame of each track.
type AudioTrackMap struct {
	Map map[string]uint32
}

// Marshal encodes the message payload.
func (m AudioTrackMap) Marshal() []byte {
	tm := m.Map
	if tm == nil {
		tm = map[string]uint32{}
	}
	j, _ := json.Marshal(tm) //nolint:errcheck

	var w writer
	w.uint32(uint32(len(j)))
	w.bytes(j)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *AudioTrackMap) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	n, err := r.uint32()
	if err != nil {
		return err
	}
	j, err := r.bytes(int(n))
	if err != nil {
		return err
	}
	return json.Unmarshal(j, &m.Map)
}
