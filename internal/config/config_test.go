package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSockPath, cfg.SockPath)
	assert.Equal(t, []string{"./addons"}, cfg.AddonRoots)
	assert.False(t, cfg.Announce)
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{"--sock-path=/tmp/x.sock", "--announce"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.sock", cfg.SockPath)
	assert.True(t, cfg.Announce)
}

func TestLoad_FileSuppliesUnflaggedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phasehound.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nannounce: true\n"), 0o644))

	cfg, err := Load([]string{"--config=" + path, "--sock-path=/tmp/explicit.sock"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/explicit.sock", cfg.SockPath) // flag wins
	assert.Equal(t, "debug", cfg.LogLevel)              // file supplies it
	assert.True(t, cfg.Announce)
}

func TestLoad_FlagBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phasehound.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	cfg, err := Load([]string{"--config=" + path, "--log-level=warn"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
