// Package wire implements the length-prefixed binary protocol
// spoken over TCP during signalling and over the data channel afterwards.
//
// Every message is framed as:
//
//	[length: u32 big-endian] [type: u8] [payload: length-1 bytes]
//
// All integer fields are big-endian. Strings are UTF-8 with an explicit
// length prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is a message type.
type Type uint8

// Message types.
const (
	TypeServerHello    Type = 0x02
	TypePositionUpdate Type = 0x03
	TypeWorldState     Type = 0x04
	TypePlayerJoined   Type = 0x06
	TypePlayerLeft     Type = 0x07
	TypeMuteStatus     Type = 0x08
	TypePositionAck    Type = 0x09

	TypeLevelPackRequest     Type = 0x10
	TypeLevelPackData        Type = 0x11
	TypeDoorTransition       Type = 0x12
	TypeLevelManifestRequest Type = 0x13
	TypeLevelManifest        Type = 0x14
	TypeLevelFilesRequest    Type = 0x15
	TypeLevelFilesData       Type = 0x16

	TypeAuthChallenge Type = 0x20
	TypeAuthResponse  Type = 0x21
	TypeAuthResult    Type = 0x22

	TypePing Type = 0x30
	TypePong Type = 0x31

	TypeWebRTCOffer   Type = 0x40
	TypeWebRTCAnswer  Type = 0x41
	TypeAudioTrackMap Type = 0x43
)

// maximum accepted frame length. Frames beyond this are rejected
// before any allocation takes place.
const maxFrameSize = 16 * 1024 * 1024

// ErrInvalidLength is returned when a frame carries an invalid length prefix.
var ErrInvalidLength = errors.New("invalid message length")

// ErrInvalidPayload is returned when a payload is truncated or malformed.
var ErrInvalidPayload = errors.New("invalid message payload")

// ReadMessage reads a single framed message from r.
func ReadMessage(r io.Reader) (Type, []byte, error) {
	var header [5]byte
	_, err := io.ReadFull(r, header[:4])
	if err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length < 1 {
		return 0, nil, ErrInvalidLength
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	_, err = io.ReadFull(r, header[4:5])
	if err != nil {
		return 0, nil, err
	}

	payload := make([]byte, length-1)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		return 0, nil, err
	}

	return Type(header[4]), payload, nil
}

// WriteMessage writes a single framed message to w.
func WriteMessage(w io.Writer, typ Type, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = byte(typ)
	copy(buf[5:], payload)

	_, err := w.Write(buf)
	return err
}

// Frame prepends the type byte to a payload, for transports that carry
// their own framing (the data channel).
func Frame(typ Type, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(typ)
	copy(buf[1:], payload)
	return buf
}

// ParseFrame splits a data-channel message into type and payload.
func ParseFrame(data []byte) (Type, []byte, error) {
	if len(data) < 1 {
		return 0, nil, ErrInvalidLength
	}
	return Type(data[0]), data[1:], nil
}

// reader is a bounds-checked payload reader.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) uint8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrInvalidPayload
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrInvalidPayload
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrInvalidPayload
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrInvalidPayload
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) stringU8() (string, error) {
	n, err := r.uint8()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) stringU16() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) stringU32() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writer builds payloads.
type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) stringU8(s string) {
	w.uint8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) stringU16(s string) {
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) stringU32(s string) {
	w.uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
