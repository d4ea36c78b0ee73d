package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONConfigSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"listen":"0.0.0.0:29900","target":"127.0.0.1:4000","key":"secret","mtu":1350,"acknodelay":true,"closewait":17,"security":"plaintext"}`)

	var cfg Config
	require.NoError(t, parseJSONConfig(&cfg, path))

	assert.Equal(t, "0.0.0.0:29900", cfg.Listen)
	assert.Equal(t, "127.0.0.1:4000", cfg.Target)
	assert.Equal(t, "secret", cfg.Key)
	assert.Equal(t, 1350, cfg.MTU)
	assert.True(t, cfg.AckNodelay)
	assert.Equal(t, 17, cfg.CloseWait)
	assert.Equal(t, "plaintext", cfg.Security)
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, parseJSONConfig(&cfg, missing))
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
