package clientcore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityCreateAndReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "identity")

	pub, priv, err := loadOrCreateIdentity(dir)
	require.NoError(t, err)
	require.Len(t, pub, 32)
	require.Len(t, priv, 64)

	// the private key is persisted as the 32-byte seed
	byts, err := os.ReadFile(filepath.Join(dir, "identity.json"))
	require.NoError(t, err)
	var f identityFile
	require.NoError(t, json.Unmarshal(byts, &f))
	seed, err := hex.DecodeString(f.PrivateKey)
	require.NoError(t, err)
	require.Len(t, seed, ed25519.SeedSize)
	require.Equal(t, []byte(priv.Seed()), seed)

	pub2, priv2, err := loadOrCreateIdentity(dir)
	require.NoError(t, err)
	require.Equal(t, pub, pub2)
	require.Equal(t, priv, priv2)
}

func TestIdentitySeedFile(t *testing.T) {
	dir := t.TempDir()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	byts, err := json.Marshal(identityFile{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv.Seed()),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "identity.json"), byts, 0o600))

	pub2, priv2, err := loadOrCreateIdentity(dir)
	require.NoError(t, err)
	require.Equal(t, pub, pub2)
	require.Equal(t, priv, priv2)
}

func TestIdentityKeyPairMismatch(t *testing.T) {
	dir := t.TempDir()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	byts, err := json.Marshal(identityFile{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv.Seed()),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "identity.json"), byts, 0o600))

	_, _, err = loadOrCreateIdentity(dir)
	require.Error(t, err)
}

func TestIdentityCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "identity.json"), []byte("{"), 0o600))

	_, _, err := loadOrCreateIdentity(dir)
	require.Error(t, err)
}
