package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 1500, cfg.Hosts.DebounceMs)
	assert.Equal(t, 2000, cfg.Hosts.IgnoreWindowMs)
	assert.Equal(t, 6, cfg.Watchers.PollSeconds)
	assert.Equal(t, 15, cfg.Intelligence.MinIntervalSeconds)
	assert.Equal(t, int64(100<<20), cfg.Quarantine.MaxSizeBytes)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	data := `
state_dir: /tmp/vigil-test
watchers:
  poll_seconds: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vigil-test", cfg.StateDir)
	assert.Equal(t, 3, cfg.Watchers.PollSeconds)
	// Unset sections keep their defaults.
	assert.Equal(t, 1500, cfg.Hosts.DebounceMs)
	assert.Equal(t, 10, cfg.Scan.IntelBatchMax)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}

func TestQuarantineDirDefaultsUnderStateDir(t *testing.T) {
	cfg := Defaults()
	cfg.StateDir = "/var/lib/vigil"
	assert.Equal(t, filepath.Join("/var/lib/vigil", "quarantine"), cfg.QuarantineDir())

	cfg.Quarantine.Dir = "/custom/q"
	assert.Equal(t, "/custom/q", cfg.QuarantineDir())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")

	cfg := Defaults()
	cfg.StateDir = dir
	cfg.Intelligence.BaseURL = "https://intel.example.com"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Intelligence.BaseURL, got.Intelligence.BaseURL)
	assert.Equal(t, dir, got.StateDir)
}
