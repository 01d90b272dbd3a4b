package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfigCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "syftsync"}
	addConfigFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FlagsAndEnv(t *testing.T) {
	withHome(t)
	t.Setenv(configPathEnv, "")
	local, remote := t.TempDir(), t.TempDir()
	t.Setenv("SYFTSYNC_RATE_LIMIT_MIN_DELAY", "2s")
	t.Setenv("SYFTSYNC_WATCH", "false")

	cmd := newConfigCmd(t, "--local", local, "--remote", remote, "--state", filepath.Join(t.TempDir(), "state"))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, local, cfg.LocalDir)
	assert.Equal(t, remote, cfg.RemoteDir)
	assert.False(t, cfg.Watch)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.MinDelay.Std())
	assert.Empty(t, cfg.Path)
}

func TestLoadConfig_FlagBeatsFile(t *testing.T) {
	t.Setenv(configPathEnv, "")
	local, remote, other := t.TempDir(), t.TempDir(), t.TempDir()

	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"local_dir": "` + local + `", "remote_dir": "` + remote + `", "sync_interval": "30s"}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cmd := newConfigCmd(t, "--config", path, "--remote", other, "--state", filepath.Join(t.TempDir(), "state"))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, local, cfg.LocalDir)
	assert.Equal(t, other, cfg.RemoteDir)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval.Std())
	assert.Equal(t, path, cfg.Path)
}

func TestLoadConfig_Invalid(t *testing.T) {
	withHome(t)
	t.Setenv(configPathEnv, "")

	_, err := loadConfig(newConfigCmd(t))
	assert.ErrorContains(t, err, "local_dir is required")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = loadConfig(newConfigCmd(t, "--config", path))
	assert.ErrorContains(t, err, "config read")
}
