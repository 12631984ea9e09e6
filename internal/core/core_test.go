package core

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(byts []byte) (string, error) {
	tmpf, err := os.CreateTemp(os.TempDir(), "gridtalk-")
	if err != nil {
		return "", err
	}
	defer tmpf.Close()

	_, err = tmpf.Write(byts)
	if err != nil {
		return "", err
	}

	return tmpf.Name(), nil
}

func newInstance(conf string) (*Core, bool) {
	if conf == "" {
		return New([]string{})
	}

	tmpf, err := writeTempFile([]byte(conf))
	if err != nil {
		return nil, false
	}
	defer os.Remove(tmpf)

	return New([]string{tmpf})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestCoreRunAndConnect(t *testing.T) {
	levelsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(levelsDir, "main"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(levelsDir, "main", "level.txt"),
		[]byte("###\n#S#\n###\n"), 0o644))

	port := freePort(t)

	p, ok := newInstance("host: 127.0.0.1\n" +
		"port: " + strconv.Itoa(port) + "\n" +
		"levelsDir: " + levelsDir + "\n" +
		"dataDir: " + t.TempDir() + "\n")
	require.True(t, ok)
	defer p.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	conn.Close()
}

func TestCoreInvalidConf(t *testing.T) {
	_, ok := newInstance("port: -1\n")
	require.False(t, ok)
}

func TestCoreMissingLevels(t *testing.T) {
	_, ok := newInstance("levelsDir: " + filepath.Join(t.TempDir(), "nope") + "\n" +
		"dataDir: " + t.TempDir() + "\n")
	require.False(t, ok)
}
