package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONConfigSuccessClient(t *testing.T) {
	path := writeTempClientConfig(t, `{"localaddr":"127.0.0.1:12948","remoteaddr":"2.2.2.2:4000","key":"secret","conn":2,"tcp":true,"closewait":9,"mux":"yamux","remotepeer":"abc"}`)

	var cfg Config
	require.NoError(t, parseJSONConfig(&cfg, path))

	assert.Equal(t, "127.0.0.1:12948", cfg.LocalAddr)
	assert.Equal(t, "2.2.2.2:4000", cfg.RemoteAddr)
	assert.Equal(t, "secret", cfg.Key)
	assert.Equal(t, 2, cfg.Conn)
	assert.True(t, cfg.TCP)
	assert.Equal(t, 9, cfg.CloseWait)
	assert.Equal(t, "yamux", cfg.Mux)
	assert.Equal(t, "abc", cfg.RemotePeer)
}

func TestParseJSONConfigMissingFileClient(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, parseJSONConfig(&cfg, missing))
}

func writeTempClientConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
