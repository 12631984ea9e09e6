package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtalk/gridtalk/internal/logger"
)

func writeTempConf(t *testing.T, content string) string {
	t.Helper()
	fpath := filepath.Join(t.TempDir(), "gridtalk.yml")
	err := os.WriteFile(fpath, []byte(content), 0o644)
	require.NoError(t, err)
	return fpath
}

func TestLoadMissingFile(t *testing.T) {
	conf, found, err := Load(filepath.Join(t.TempDir(), "nonexistent.yml"))
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, "127.0.0.1", conf.Host)
	require.Equal(t, 7777, conf.Port)
	require.Equal(t, LogLevel(logger.Info), conf.LogLevel)
}

func TestLoad(t *testing.T) {
	fpath := writeTempConf(t, "logLevel: debug\n"+
		"host: 0.0.0.0\n"+
		"port: 9000\n"+
		"levelsDir: /srv/levels\n"+
		"pingTimeout: 1m\n")

	conf, found, err := Load(fpath)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, LogLevel(logger.Debug), conf.LogLevel)
	require.Equal(t, "0.0.0.0", conf.Host)
	require.Equal(t, 9000, conf.Port)
	require.Equal(t, "/srv/levels", conf.LevelsDir)
	require.Equal(t, Duration(60*1e9), conf.PingTimeout)
}

func TestLoadErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		conf string
	}{
		{"invalid log level", "logLevel: verbose\n"},
		{"invalid port", "port: -1\n"},
		{"unknown key", "nonexistentKey: 123\n"},
		{"invalid destination", "logDestinations: [pigeon]\n"},
	} {
		t.Run(ca.name, func(t *testing.T) {
			fpath := writeTempConf(t, ca.conf)
			_, _, err := Load(fpath)
			require.Error(t, err)
		})
	}
}
