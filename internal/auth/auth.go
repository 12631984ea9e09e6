// Package auth implements the Ed25519 challenge/response handshake.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"unicode"

	"github.com/gridtalk/gridtalk/internal/protocols/wire"
)

// MaxNameLength is the maximum accepted player name length in bytes.
const MaxNameLength = 32

// GenerateNonce returns a fresh random challenge nonce.
func GenerateNonce() ([wire.NonceSize]byte, error) {
	var nonce [wire.NonceSize]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}

// challengeMessage is the byte string the client signs: nonce || name.
func challengeMessage(nonce [wire.NonceSize]byte, name string) []byte {
	msg := make([]byte, 0, wire.NonceSize+len(name))
	msg = append(msg, nonce[:]...)
	msg = append(msg, name...)
	return msg
}

// Sign signs a challenge with the client's private key.
func Sign(privateKey ed25519.PrivateKey, nonce [wire.NonceSize]byte, name string) [wire.SignatureSize]byte {
	var sig [wire.SignatureSize]byte
	copy(sig[:], ed25519.Sign(privateKey, challengeMessage(nonce, name)))
	return sig
}

// Verify checks a challenge signature.
func Verify(
	publicKey [wire.PublicKeySize]byte,
	nonce [wire.NonceSize]byte,
	name string,
	signature [wire.SignatureSize]byte,
) bool {
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), challengeMessage(nonce, name), signature[:])
}

// NameIsValid reports whether a player name is acceptable:
// non-empty, at most MaxNameLength bytes, printable codepoints only.
func NameIsValid(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
