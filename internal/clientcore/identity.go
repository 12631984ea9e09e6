// Package clientcore contains the main struct of the client.
package clientcore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type identityFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// DefaultIdentityDir returns the identity directory for a player, or
// for a bot when bot is non-empty.
func DefaultIdentityDir(bot string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if bot != "" {
		return filepath.Join(home, ".gridtalk", "bots", bot), nil
	}
	return filepath.Join(home, ".gridtalk"), nil
}

// loadOrCreateIdentity reads the Ed25519 keypair stored in dir,
// generating and persisting a fresh one on first use. The private
// key is stored as the 32-byte seed, so identity files are
// interchangeable with other clients.
func loadOrCreateIdentity(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	fpath := filepath.Join(dir, "identity.json")

	byts, err := os.ReadFile(fpath)
	if err == nil {
		var f identityFile
		err = json.Unmarshal(byts, &f)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid identity file: %w", err)
		}

		pub, err2 := hex.DecodeString(f.PublicKey)
		if err2 != nil || len(pub) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("invalid identity file: bad public key")
		}
		seed, err2 := hex.DecodeString(f.PrivateKey)
		if err2 != nil || len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("invalid identity file: bad private key")
		}

		priv := ed25519.NewKeyFromSeed(seed)
		if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
			return nil, nil, fmt.Errorf("invalid identity file: key pair mismatch")
		}

		return ed25519.PublicKey(pub), priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, nil, err
	}

	byts, err = json.MarshalIndent(identityFile{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv.Seed()),
	}, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	tmp := fpath + ".tmp"
	err = os.WriteFile(tmp, byts, 0o600)
	if err != nil {
		return nil, nil, err
	}
	err = os.Rename(tmp, fpath)
	if err != nil {
		return nil, nil, err
	}

	return pub, priv, nil
}
