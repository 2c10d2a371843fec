// Package config loads machinist configuration.
//
// Sources are applied in order: built-in defaults, a YAML file, then
// MACHINIST_* environment variables. The result is validated against the
// embedded CUE schema (schema.cue).
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/machinist/internal/cache"
	"github.com/roach88/machinist/internal/jobs"
	"github.com/roach88/machinist/internal/syncer"
)

//go:embed schema.cue
var schemaSource []byte

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MACHINIST_"

type Config struct {
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Jobs    JobsConfig    `yaml:"jobs" json:"jobs"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

type SyncConfig struct {
	URL                  string        `yaml:"url" json:"url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	OfflineQueueSize     int           `yaml:"offline_queue_size" json:"offline_queue_size"`
	MaxRetries           int           `yaml:"max_retries" json:"max_retries"`
}

type CacheConfig struct {
	MaxEntries      int           `yaml:"max_entries" json:"max_entries"`
	MaxSize         int64         `yaml:"max_size" json:"max_size"`
	MaxAge          time.Duration `yaml:"max_age" json:"max_age"`
	Policy          string        `yaml:"policy" json:"policy"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	// PersistKey is the storage key of the cache snapshot.
	PersistKey string `yaml:"persist_key" json:"persist_key"`
}

type JobsConfig struct {
	AutoStart      bool          `yaml:"auto_start" json:"auto_start"`
	AutoStartDelay time.Duration `yaml:"auto_start_delay" json:"auto_start_delay"`
	HistoryLimit   int           `yaml:"history_limit" json:"history_limit"`
}

type StorageConfig struct {
	// Path of the SQLite database. Empty selects the in-memory store.
	Path string `yaml:"path" json:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := syncer.DefaultConfig()
	cc := cache.DefaultConfig()
	return &Config{
		Sync: SyncConfig{
			URL:                  sc.URL,
			ReconnectInterval:    sc.ReconnectInterval,
			MaxReconnectAttempts: sc.MaxReconnectAttempts,
			HeartbeatInterval:    sc.HeartbeatInterval,
			OfflineQueueSize:     sc.OfflineQueueSize,
			MaxRetries:           sc.MaxRetries,
		},
		Cache: CacheConfig{
			MaxEntries:      cc.MaxEntries,
			MaxSize:         cc.MaxSize,
			MaxAge:          cc.MaxAge,
			Policy:          string(cc.Policy),
			CleanupInterval: cc.CleanupInterval,
			PersistKey:      "cache.snapshot",
		},
		Jobs: JobsConfig{
			AutoStart:      false,
			AutoStartDelay: jobs.DefaultAutoStartDelay,
			HistoryLimit:   jobs.DefaultHistoryLimit,
		},
		Storage: StorageConfig{
			Path: "./data/machinist.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := cfg.decode(data); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
// Environment variables are not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from MACHINIST_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("SYNC_URL", &c.Sync.URL)
	dur("SYNC_RECONNECT_INTERVAL", &c.Sync.ReconnectInterval)
	num("SYNC_MAX_RECONNECT_ATTEMPTS", &c.Sync.MaxReconnectAttempts)
	dur("SYNC_HEARTBEAT_INTERVAL", &c.Sync.HeartbeatInterval)
	num("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	if v, ok := lookup(EnvPrefix + "CACHE_MAX_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCACHE_MAX_SIZE: %w", EnvPrefix, err))
		} else {
			c.Cache.MaxSize = n
		}
	}
	dur("CACHE_MAX_AGE", &c.Cache.MaxAge)
	str("CACHE_POLICY", &c.Cache.Policy)
	if v, ok := lookup(EnvPrefix + "JOBS_AUTO_START"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sJOBS_AUTO_START: %w", EnvPrefix, err))
		} else {
			c.Jobs.AutoStart = b
		}
	}
	str("STORAGE_PATH", &c.Storage.Path)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// Validate checks the configuration against the CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(c)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SyncerConfig converts to the sync manager's configuration.
func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		URL:                  c.Sync.URL,
		ReconnectInterval:    c.Sync.ReconnectInterval,
		MaxReconnectAttempts: c.Sync.MaxReconnectAttempts,
		HeartbeatInterval:    c.Sync.HeartbeatInterval,
		OfflineQueueSize:     c.Sync.OfflineQueueSize,
		MaxRetries:           c.Sync.MaxRetries,
	}
}

// CacheManagerConfig converts to the cache manager's configuration.
func (c *Config) CacheManagerConfig() cache.Config {
	return cache.Config{
		MaxEntries:      c.Cache.MaxEntries,
		MaxSize:         c.Cache.MaxSize,
		MaxAge:          c.Cache.MaxAge,
		Policy:          cache.Policy(c.Cache.Policy),
		CleanupInterval: c.Cache.CleanupInterval,
	}
}

// JobOptions returns engine options for the jobs section.
func (c *Config) JobOptions() []jobs.Option {
	return []jobs.Option{
		jobs.WithAutoStart(c.Jobs.AutoStart),
		jobs.WithAutoStartDelay(c.Jobs.AutoStartDelay),
		jobs.WithHistoryLimit(c.Jobs.HistoryLimit),
	}
}

// NewLogger builds a slog.Logger writing to w per the logging section.
// verbose forces debug level.
func (c *Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
