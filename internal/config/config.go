// Package config loads boxsync settings from BOX_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"

	"github.com/fclairamb/boxsync/internal/ignore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "BOX_"

// Metadata backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Remote replica types.
const (
	RemoteDir = "dir"
	RemoteS3  = "s3"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	defaultMaxFileSize  = 10 * bytesPerMB
	defaultSyncInterval = 30 * time.Second
	defaultWatchDelay   = 500 * time.Millisecond

	metadataFile = "metadata.db"
	stateFile    = "state.db"
)

// Config holds all settings. Each field maps to BOX_<KOANF TAG IN UPPER CASE>.
type Config struct {
	Root    string `koanf:"root" validate:"required"`
	DBPath  string `koanf:"db_path"`
	Backend string `koanf:"backend" validate:"oneof=sqlite badger"`

	Remote      string `koanf:"remote" validate:"oneof=dir s3"`
	RemoteDir   string `koanf:"remote_dir"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint" validate:"omitempty,url"`
	S3Prefix    string `koanf:"s3_prefix"`
	S3PathStyle bool   `koanf:"s3_path_style"`

	Conflict     string        `koanf:"conflict" validate:"oneof=remote local newest"`
	MaxFileSize  ByteSize      `koanf:"max_file_size" validate:"gte=0"`
	RateLimit    float64       `koanf:"rate_limit" validate:"gte=0"`
	RateBurst    int           `koanf:"rate_burst" validate:"gte=1"`
	SyncInterval time.Duration `koanf:"sync_interval" validate:"gte=0"`
	WatchDelay   time.Duration `koanf:"watch_delay" validate:"gte=0"`
	VerifyOnRead bool          `koanf:"verify_on_read"`

	// PriorityPatterns is a comma-separated list of path.Match patterns synced first.
	PriorityPatterns string `koanf:"priority_patterns"`

	LogFormat   string `koanf:"log_format" validate:"oneof=text json"`
	MetricsAddr string `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Root:         ".",
		Backend:      BackendSQLite,
		Remote:       RemoteDir,
		Conflict:     "remote",
		MaxFileSize:  defaultMaxFileSize,
		RateBurst:    1,
		SyncInterval: defaultSyncInterval,
		WatchDelay:   defaultWatchDelay,
		VerifyOnRead: true,
		LogFormat:    LogFormatText,
	}
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Environ())
}

// LoadFrom reads environ, a list of KEY=value pairs, over the defaults and
// validates the result.
func LoadFrom(environ []string) (*Config, error) {
	konfig := koanf.New(".")

	if err := konfig.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(k, EnvPrefix)), strings.TrimSpace(v)
		},
		EnvironFunc: func() []string { return environ },
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := konfig.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}

	cfg.normalize()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Backend = strings.ToLower(c.Backend)
	c.Remote = strings.ToLower(c.Remote)
	c.Conflict = strings.ToLower(c.Conflict)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

// StateDir returns the directory holding the index and sync state.
func (c *Config) StateDir() string {
	return filepath.Join(c.Root, ignore.StateDir)
}

// MetadataPath returns the index location: DBPath when set, otherwise a
// file (sqlite) or directory (badger) in the state dir.
func (c *Config) MetadataPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.StateDir(), metadataFile)
}

// StatePath returns the location of the last-synced snapshot, next to the index.
func (c *Config) StatePath() string {
	return filepath.Join(filepath.Dir(c.MetadataPath()), stateFile)
}

// Priorities returns the parsed priority patterns.
func (c *Config) Priorities() []string {
	var patterns []string
	for _, p := range strings.Split(c.PriorityPatterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
