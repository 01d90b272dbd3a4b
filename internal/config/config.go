package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"

	"github.com/openmined/syftsync/internal/store"
	"github.com/openmined/syftsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".syftsync", "config.json")
	DefaultStateDir   = filepath.Join(home, ".syftsync", "state")
)

const (
	EnvPrefix = "SYFTSYNC"

	DefaultLogLevel     = "info"
	DefaultSyncInterval = time.Minute
	DefaultMaxTransfers = 4
	DefaultMinFileAge   = time.Second
	DefaultMinDelay     = 5 * time.Second
	DefaultMaxDelay     = 10 * time.Minute
)

var (
	ErrDirMissing      = errors.New("directory does not exist")
	ErrOverlappingDirs = errors.New("replica directories overlap")
)

// Duration is a time.Duration written as "1m30s" in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return fmt.Errorf("duration: %s", data)
		}
		*d = Duration(ns)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type RateLimit struct {
	MinDelay           Duration `json:"min_delay"`
	MaxDelay           Duration `json:"max_delay"`
	RevisionsPerMinute int64    `json:"revisions_per_minute"`
}

type Config struct {
	LocalDir      string    `json:"local_dir"`
	RemoteDir     string    `json:"remote_dir"`
	StateDir      string    `json:"state_dir"`
	LogLevel      string    `json:"log_level"`
	SyncInterval  Duration  `json:"sync_interval"`
	Watch         bool      `json:"watch"`
	MaxTransfers  int       `json:"max_transfers"`
	StoreBackend  string    `json:"store_backend"`
	MinFileAge    Duration  `json:"min_file_age"`
	RateLimit     RateLimit `json:"rate_limit"`
	Ignore        []string  `json:"ignore,omitempty"`
	LocalEnabled  bool      `json:"local_enabled"`
	RemoteEnabled bool      `json:"remote_enabled"`
	Path          string    `json:"-"`
}

// SetDefaults registers the default of every key with v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("sync_interval", DefaultSyncInterval)
	v.SetDefault("watch", true)
	v.SetDefault("max_transfers", DefaultMaxTransfers)
	v.SetDefault("store_backend", store.BackendSqlite)
	v.SetDefault("min_file_age", DefaultMinFileAge)
	v.SetDefault("rate_limit.min_delay", DefaultMinDelay)
	v.SetDefault("rate_limit.max_delay", DefaultMaxDelay)
	v.SetDefault("rate_limit.revisions_per_minute", 0)
	v.SetDefault("local_enabled", true)
	v.SetDefault("remote_enabled", true)
}

// FromViper builds a config from the keys of v. It does not validate.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		LocalDir:      v.GetString("local_dir"),
		RemoteDir:     v.GetString("remote_dir"),
		StateDir:      v.GetString("state_dir"),
		LogLevel:      v.GetString("log_level"),
		SyncInterval:  Duration(v.GetDuration("sync_interval")),
		Watch:         v.GetBool("watch"),
		MaxTransfers:  v.GetInt("max_transfers"),
		StoreBackend:  v.GetString("store_backend"),
		MinFileAge:    Duration(v.GetDuration("min_file_age")),
		Ignore:        v.GetStringSlice("ignore"),
		LocalEnabled:  v.GetBool("local_enabled"),
		RemoteEnabled: v.GetBool("remote_enabled"),
		RateLimit: RateLimit{
			MinDelay:           Duration(v.GetDuration("rate_limit.min_delay")),
			MaxDelay:           Duration(v.GetDuration("rate_limit.max_delay")),
			RevisionsPerMinute: v.GetInt64("rate_limit.revisions_per_minute"),
		},
		Path: v.ConfigFileUsed(),
	}
}

// Validate resolves the paths and checks every value.
func (c *Config) Validate() error {
	var err error

	if c.LocalDir, err = resolveDir("local_dir", c.LocalDir); err != nil {
		return err
	}
	if c.RemoteDir, err = resolveDir("remote_dir", c.RemoteDir); err != nil {
		return err
	}
	if overlaps(c.LocalDir, c.RemoteDir) {
		return fmt.Errorf("%w: %s and %s", ErrOverlappingDirs, c.LocalDir, c.RemoteDir)
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	if overlaps(c.StateDir, c.LocalDir) || overlaps(c.StateDir, c.RemoteDir) {
		return fmt.Errorf("%w: state_dir %s", ErrOverlappingDirs, c.StateDir)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %s", c.SyncInterval)
	}
	if c.MaxTransfers <= 0 {
		return fmt.Errorf("max_transfers must be positive, got %d", c.MaxTransfers)
	}
	if c.MinFileAge < 0 {
		return fmt.Errorf("min_file_age must not be negative")
	}
	switch c.StoreBackend {
	case store.BackendSqlite, store.BackendBolt:
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownBackend, c.StoreBackend)
	}
	if c.RateLimit.MinDelay < 0 || c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("rate_limit: invalid delays %s..%s",
			time.Duration(c.RateLimit.MinDelay), time.Duration(c.RateLimit.MaxDelay))
	}
	if c.RateLimit.RevisionsPerMinute < 0 {
		return fmt.Errorf("rate_limit.revisions_per_minute must not be negative")
	}
	return nil
}

// Save writes the config as JSON to path.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ParseLogLevel accepts debug, info, warn and error.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

func resolveDir(key, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	resolved, err := utils.ResolvePath(dir)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	if !utils.DirExists(resolved) {
		return "", fmt.Errorf("%s %s: %w", key, resolved, ErrDirMissing)
	}
	return resolved, nil
}

// overlaps reports whether one directory contains the other.
func overlaps(a, b string) bool {
	return a == b || isWithin(a, b) || isWithin(b, a)
}

func isWithin(dir, parent string) bool {
	rel, err := filepath.Rel(parent, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
