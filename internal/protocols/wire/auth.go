package wire

// NonceSize is the size of the authentication nonce.
const NonceSize = 32

// PublicKeySize is the size of a raw Ed25519 public key.
const PublicKeySize = 32

// SignatureSize is the size of an Ed25519 signature.
const SignatureSize = 64

// AuthResult is the outcome of an authentication attempt.
type AuthResult uint8

// Authentication outcomes.
const (
	AuthSuccess AuthResult = iota
	AuthNameTaken
	AuthKeyMismatch
	AuthInvalidSignature
	AuthInvalidName
	AuthAlreadyConnected
)

// String implements fmt.Stringer.
func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthNameTaken:
		return "name already taken by another key"
	case AuthKeyMismatch:
		return "key already registered under another name"
	case AuthInvalidSignature:
		return "invalid signature"
	case AuthInvalidName:
		return "invalid name"
	case AuthAlreadyConnected:
		return "already connected"
	}
	return "unknown"
}

// AuthChallenge is the server-to-client authentication challenge.
type AuthChallenge struct {
	Nonce [NonceSize]byte
}

// Marshal encodes the message payload.
func (m AuthChallenge) Marshal() []byte {
	out := make([]byte, NonceSize)
	copy(out, m.Nonce[:])
	return out
}

// Unmarshal decodes the message payload.
func (m *AuthChallenge) Unmarshal(buf []byte) error {
	if len(buf) != NonceSize {
		return ErrInvalidPayload
	}
	copy(m.Nonce[:], buf)
	return nil
}

// AuthResponse is the client-to-server authentication response.
type AuthResponse struct {
	PublicKey [PublicKeySize]byte
	Signature [SignatureSize]byte
	Name      string
}

// Marshal encodes the message payload.
func (m AuthResponse) Marshal() []byte {
	var w writer
	w.bytes(m.PublicKey[:])
	w.bytes(m.Signature[:])
	w.stringU16(m.Name)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *AuthResponse) Unmarshal(buf []byte) error {
	r := reader{buf: buf}

	pk, err := r.bytes(PublicKeySize)
	if err != nil {
		return err
	}
	copy(m.PublicKey[:], pk)

	sig, err := r.bytes(SignatureSize)
	if err != nil {
		return err
	}
	copy(m.Signature[:], sig)

	m.Name, err = r.stringU16()
	return err
}

// AuthResultMsg is the server-to-client authentication outcome.
type AuthResultMsg struct {
	Result AuthResult
}

// Marshal encodes the message payload.
func (m AuthResultMsg) Marshal() []byte {
	return []byte{byte(m.Result)}
}

// Unmarshal decodes the message payload.
func (m *AuthResultMsg) Unmarshal(buf []byte) error {
	if len(buf) != 1 {
		return ErrInvalidPayload
	}
	m.Result = AuthResult(buf[0])
	return nil
}
