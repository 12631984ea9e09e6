package game

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtalk/gridtalk/internal/auth"
	"github.com/gridtalk/gridtalk/internal/conf"
	"github.com/gridtalk/gridtalk/internal/levels"
	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/protocols/wire"
	"github.com/gridtalk/gridtalk/internal/router"
	"github.com/gridtalk/gridtalk/internal/storage"
)

type testLogger struct{}

func (testLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func writeTestLevel(t *testing.T, dir string, name string, files map[string]string) {
	t.Helper()
	base := filepath.Join(dir, name)
	for p, content := range files {
		fpath := filepath.Join(base, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(fpath), 0o755))
		require.NoError(t, os.WriteFile(fpath, []byte(content), 0o644))
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	levelsDir := t.TempDir()
	writeTestLevel(t, levelsDir, "main", map[string]string{
		"level.txt": "#####\n#.S.#\n#####\n",
	})
	writeTestLevel(t, levelsDir, "cave", map[string]string{
		"level.txt":  "####\n#S.#\n####\n",
		"level.json": `{"doors": [{"x": 2, "y": 1, "target_level": "main", "target_x": 2, "target_y": 1}]}`,
	})

	registry := &levels.Registry{LevelsDir: levelsDir, Parent: testLogger{}}
	require.NoError(t, registry.Initialize())

	store := &storage.PlayerStorage{DataDir: t.TempDir()}
	require.NoError(t, store.Initialize())

	s := &Server{
		Address:             "127.0.0.1:0",
		HandshakeTimeout:    conf.Duration(5 * time.Second),
		PingInterval:        conf.Duration(10 * time.Second),
		PingTimeout:         conf.Duration(30 * time.Second),
		RoutingInterval:     conf.Duration(20 * time.Millisecond),
		RenegotiateInterval: conf.Duration(500 * time.Millisecond),
		Levels:              registry,
		Storage:             store,
		Router:              router.New(),
		Parent:              testLogger{},
	}
	require.NoError(t, s.Initialize())
	t.Cleanup(s.Close)

	return s
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func dialTestClient(t *testing.T, s *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", s.ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return &testClient{t: t, conn: conn, pub: pub, priv: priv}
}

func (c *testClient) read() (wire.Type, []byte) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	typ, payload, err := wire.ReadMessage(c.conn)
	require.NoError(c.t, err)
	return typ, payload
}

func (c *testClient) write(typ wire.Type, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, wire.WriteMessage(c.conn, typ, payload))
}

// authenticate runs the challenge/response handshake. mangle, when
// set, corrupts the response before sending.
func (c *testClient) authenticate(name string, mangle func(*wire.AuthResponse)) wire.AuthResult {
	c.t.Helper()

	typ, payload := c.read()
	require.Equal(c.t, wire.TypeAuthChallenge, typ)

	var challenge wire.AuthChallenge
	require.NoError(c.t, challenge.Unmarshal(payload))

	resp := wire.AuthResponse{
		Signature: auth.Sign(c.priv, challenge.Nonce, name),
		Name:      name,
	}
	copy(resp.PublicKey[:], c.pub)
	if mangle != nil {
		mangle(&resp)
	}

	c.write(wire.TypeAuthResponse, resp.Marshal())

	typ, payload = c.read()
	require.Equal(c.t, wire.TypeAuthResult, typ)

	var result wire.AuthResultMsg
	require.NoError(c.t, result.Unmarshal(payload))
	return result.Result
}

func TestServerAuthAndHello(t *testing.T) {
	s := newTestServer(t)
	c := dialTestClient(t, s)

	require.Equal(t, wire.AuthSuccess, c.authenticate("alice", nil))

	typ, payload := c.read()
	require.Equal(t, wire.TypeServerHello, typ)

	var hello wire.ServerHello
	require.NoError(t, hello.Unmarshal(payload))
	require.Equal(t, "main", hello.LevelName)
	require.Equal(t, uint16(5), hello.Width)
	require.Equal(t, uint16(3), hello.Height)
	require.Len(t, hello.LevelBytes, 15)

	// the spawn marker was converted to floor
	require.Equal(t, byte('.'), hello.LevelBytes[int(hello.SpawnY)*5+int(hello.SpawnX)])

	// identity was registered
	_, ok := s.Storage.PublicKey("alice")
	require.True(t, ok)
}

func TestServerAuthFailures(t *testing.T) {
	s := newTestServer(t)

	// register alice with a first key
	first := dialTestClient(t, s)
	require.Equal(t, wire.AuthSuccess, first.authenticate("alice", nil))

	for _, ca := range []struct {
		name   string
		player string
		mangle func(*wire.AuthResponse)
		result wire.AuthResult
	}{
		{
			"invalid name",
			"",
			nil,
			wire.AuthInvalidName,
		},
		{
			"invalid signature",
			"bob",
			func(resp *wire.AuthResponse) {
				resp.Signature[0] ^= 0xff
			},
			wire.AuthInvalidSignature,
		},
		{
			"name registered to another key",
			"alice",
			nil,
			wire.AuthNameTaken,
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			c := dialTestClient(t, s)
			require.Equal(t, ca.result, c.authenticate(ca.player, ca.mangle))
		})
	}
}

func TestServerKeyMismatchSignature(t *testing.T) {
	s := newTestServer(t)

	first := dialTestClient(t, s)
	require.Equal(t, wire.AuthSuccess, first.authenticate("alice", nil))

	// the same key claiming another name is rejected, with a valid
	// signature for the claimed name
	c := dialTestClient(t, s)
	c.pub = first.pub
	c.priv = first.priv
	require.Equal(t, wire.AuthKeyMismatch, c.authenticate("bob", nil))
}

func TestServerLevelDelivery(t *testing.T) {
	s := newTestServer(t)
	c := dialTestClient(t, s)

	require.Equal(t, wire.AuthSuccess, c.authenticate("alice", nil))
	typ, _ := c.read()
	require.Equal(t, wire.TypeServerHello, typ)

	// manifest
	c.write(wire.TypeLevelManifestRequest, wire.LevelManifestRequest{Name: "main"}.Marshal())
	typ, payload := c.read()
	require.Equal(t, wire.TypeLevelManifest, typ)

	var man wire.LevelManifest
	require.NoError(t, man.Unmarshal(payload))
	require.Contains(t, man.Manifest, "level.txt")

	// delta fetch returns exactly the requested files
	c.write(wire.TypeLevelFilesRequest, wire.LevelFilesRequest{
		Name:  "main",
		Paths: []string{"level.txt"},
	}.Marshal())
	typ, payload = c.read()
	require.Equal(t, wire.TypeLevelFilesData, typ)

	var files wire.LevelFilesData
	require.NoError(t, files.Unmarshal(payload))
	require.Len(t, files.Files, 1)
	require.Equal(t, []byte("#####\n#.S.#\n#####\n"), files.Files["level.txt"])

	// unknown level yields an empty manifest
	c.write(wire.TypeLevelManifestRequest, wire.LevelManifestRequest{Name: "bogus"}.Marshal())
	typ, payload = c.read()
	require.Equal(t, wire.TypeLevelManifest, typ)
	require.NoError(t, man.Unmarshal(payload))
	require.Empty(t, man.Manifest)

	// legacy tarball fetch
	c.write(wire.TypeLevelPackRequest, wire.LevelPackRequest{Name: "main"}.Marshal())
	typ, payload = c.read()
	require.Equal(t, wire.TypeLevelPackData, typ)

	var pack wire.LevelPackData
	require.NoError(t, pack.Unmarshal(payload))
	require.NotEmpty(t, pack.Tar)
}
