package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	tmp := t.TempDir()
	for _, d := range []string{"local", "remote"} {
		require.NoError(t, os.Mkdir(filepath.Join(tmp, d), 0o755))
	}
	v := viper.New()
	SetDefaults(v)
	cfg := FromViper(v)
	cfg.LocalDir = filepath.Join(tmp, "local")
	cfg.RemoteDir = filepath.Join(tmp, "remote")
	cfg.StateDir = filepath.Join(tmp, "state")
	return cfg
}

func TestConfig_Defaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Duration(time.Minute), cfg.SyncInterval)
	assert.Equal(t, DefaultMaxTransfers, cfg.MaxTransfers)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.True(t, cfg.LocalEnabled)
	assert.True(t, cfg.RemoteEnabled)
	assert.Equal(t, Duration(DefaultMinDelay), cfg.RateLimit.MinDelay)
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing local dir", func(c *Config) { c.LocalDir = "" }},
		{"nonexistent remote dir", func(c *Config) { c.RemoteDir = filepath.Join(c.RemoteDir, "nope") }},
		{"same dirs", func(c *Config) { c.RemoteDir = c.LocalDir }},
		{"nested dirs", func(c *Config) {
			c.RemoteDir = filepath.Join(c.LocalDir, "sub")
			_ = os.Mkdir(c.RemoteDir, 0o755)
		}},
		{"state inside replica", func(c *Config) { c.StateDir = filepath.Join(c.LocalDir, ".state") }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero interval", func(c *Config) { c.SyncInterval = 0 }},
		{"no transfers", func(c *Config) { c.MaxTransfers = 0 }},
		{"bad backend", func(c *Config) { c.StoreBackend = "redis" }},
		{"bad delays", func(c *Config) { c.RateLimit.MaxDelay = c.RateLimit.MinDelay - 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	cfg := validConfig(t)
	cfg.SyncInterval = Duration(90 * time.Second)
	cfg.Ignore = []string{"*.log"}
	cfg.RemoteEnabled = false
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "conf", "config.json")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sync_interval": "1m30s"`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	loaded := FromViper(v)
	assert.Equal(t, cfg.LocalDir, loaded.LocalDir)
	assert.Equal(t, cfg.SyncInterval, loaded.SyncInterval)
	assert.Equal(t, []string{"*.log"}, loaded.Ignore)
	assert.False(t, loaded.RemoteEnabled)
	assert.Equal(t, path, loaded.Path)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv("SYFTSYNC_MAX_TRANSFERS", "9")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	assert.Equal(t, 9, FromViper(v).MaxTransfers)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"2s"`)))
	assert.Equal(t, Duration(2*time.Second), d)
	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, Duration(1000), d)
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}
