// Package storage persists player identities and last-known state.
//
// Directory layout:
//
//	<data_dir>/users/<name>/pub         32 raw bytes, the Ed25519 public key
//	<data_dir>/users/<name>/state.json  {"x": int, "y": int, "level": string}
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gridtalk/gridtalk/internal/protocols/wire"
)

// PlayerState is the persisted last-known state of a player.
type PlayerState struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Level string `json:"level"`
}

// PlayerStorage is a file-based store for player identities and state.
// Registration is first-seen-wins on name; the name <-> key binding is
// a bijection.
type PlayerStorage struct {
	DataDir string

	usersDir string
	mutex    sync.Mutex
}

// Initialize initializes a PlayerStorage.
func (s *PlayerStorage) Initialize() error {
	s.usersDir = filepath.Join(s.DataDir, "users")
	return os.MkdirAll(s.usersDir, 0o755)
}

func (s *PlayerStorage) userDir(name string) string {
	return filepath.Join(s.usersDir, name)
}

// PublicKey returns the registered public key of a name,
// or false if the name is not registered.
func (s *PlayerStorage) PublicKey(name string) ([wire.PublicKeySize]byte, bool) {
	var key [wire.PublicKeySize]byte

	byts, err := os.ReadFile(filepath.Join(s.userDir(name), "pub"))
	if err != nil || len(byts) != wire.PublicKeySize {
		return key, false
	}

	copy(key[:], byts)
	return key, true
}

// NameByKey returns the name registered under a public key,
// or false if the key is not registered.
func (s *PlayerStorage) NameByKey(key [wire.PublicKeySize]byte) (string, bool) {
	entries, err := os.ReadDir(s.usersDir)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		byts, err := os.ReadFile(filepath.Join(s.usersDir, entry.Name(), "pub"))
		if err == nil && bytes.Equal(byts, key[:]) {
			return entry.Name(), true
		}
	}
	return "", false
}

// Register binds a name to a public key. It fails if the name is
// already registered.
func (s *PlayerStorage) Register(name string, key [wire.PublicKeySize]byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dir := s.userDir(name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("name '%s' is already registered", name)
	}

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "pub"), key[:], 0o644)
}

// State returns the saved state of a player, or false if none exists.
func (s *PlayerStorage) State(name string) (PlayerState, bool) {
	var state PlayerState

	byts, err := os.ReadFile(filepath.Join(s.userDir(name), "state.json"))
	if err != nil {
		return state, false
	}

	err = json.Unmarshal(byts, &state)
	if err != nil {
		return state, false
	}
	return state, true
}

// SaveState writes the state of a registered player. The write is
// atomic: state.json never holds a partial document.
func (s *PlayerStorage) SaveState(name string, state PlayerState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dir := s.userDir(name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("player '%s' is not registered", name)
	}

	byts, err := json.Marshal(state)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, "state.json.tmp")
	err = os.WriteFile(tmp, byts, 0o644)
	if err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "state.json"))
}
