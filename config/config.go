// Package config loads the offlinesync configuration from a file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
)

// EnvPrefix prefixes every environment override, e.g.
// OFFLINESYNC_SERVER_BASE_URL.
const EnvPrefix = "OFFLINESYNC"

// Config is the complete service configuration.
type Config struct {
	Store   StoreConfig    `mapstructure:"store"`
	Server  ServerConfig   `mapstructure:"server"`
	Sync    SyncConfig     `mapstructure:"sync"`
	Buckets []BucketConfig `mapstructure:"buckets"`
	Logging logging.Config `mapstructure:"logging"`
}

// StoreConfig selects the local database.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn"`
	WAL    bool   `mapstructure:"wal"`
}

// ServerConfig describes the REST server.
type ServerConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	RateLimit   float64           `mapstructure:"rate_limit"`
	Burst       int               `mapstructure:"burst"`
	Compression bool              `mapstructure:"compression"`
	Headers     map[string]string `mapstructure:"headers"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	Workers       int           `mapstructure:"workers"`
	PhaseTimeout  time.Duration `mapstructure:"phase_timeout"`
	PullPageSize  int           `mapstructure:"pull_page_size"`
	PushBatchSize int           `mapstructure:"push_batch_size"`
	// ScanPageSize of zero keeps the object store default.
	ScanPageSize int `mapstructure:"scan_page_size"`
	// Schedule is the cron spec used by the daemon. Empty disables it.
	Schedule string `mapstructure:"schedule"`
}

// BucketConfig declares one synchronized bucket.
type BucketConfig struct {
	Name   string `mapstructure:"name"`
	Policy string `mapstructure:"policy"`
	// Scope is a JSON condition limiting what is pulled.
	Scope   string            `mapstructure:"scope"`
	Indexes map[string]string `mapstructure:"indexes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "offlinesync.db")
	v.SetDefault("store.wal", true)

	v.SetDefault("server.base_url", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.burst", 1)
	v.SetDefault("server.compression", true)

	v.SetDefault("sync.workers", synckit.DefaultWorkers)
	v.SetDefault("sync.phase_timeout", synckit.DefaultPhaseTimeout)
	v.SetDefault("sync.pull_page_size", synckit.DefaultPullPageSize)
	v.SetDefault("sync.push_batch_size", synckit.DefaultPushBatchSize)
	v.SetDefault("sync.scan_page_size", 0)
	v.SetDefault("sync.schedule", "")

	v.SetDefault("logging.level", logging.DefaultConfig.Level)
	// Empty lets the environment pick.
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.environment", logging.DefaultConfig.Environment)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// LoadDotEnv loads environment files into the process environment. Missing
// files are skipped. With no arguments it loads ".env".
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration. An empty path searches for offlinesync.{yaml,json,toml}
// in the working directory and $HOME/.config/offlinesync; finding none is not an
// error. OFFLINESYNC_* variables override file values.
func Load(path string) (*Config, error) {
	const op = syncErrors.Op("config.Load")

	if err := LoadDotEnv(); err != nil {
		slog.Warn("could not load .env file", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, syncErrors.E(op, syncErrors.Component("config"), syncErrors.KindInvalid, err)
		}
	} else {
		v.SetConfigName("offlinesync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/offlinesync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, syncErrors.E(op, syncErrors.Component("config"), syncErrors.KindInvalid, err)
			}
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, syncErrors.E(syncErrors.Op("config.Load"), syncErrors.Component("config"), syncErrors.KindInvalid, err)
	}
	cfg.Logging = logging.ForEnvironment(cfg.Logging)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	const op = syncErrors.Op("config.Validate")
	invalid := func(format string, args ...any) error {
		e := syncErrors.NewValidationError(op, fmt.Errorf(format, args...))
		e.Component = "config"
		return e
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return invalid("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return invalid("store.dsn is required")
	}
	if c.Server.Timeout < 0 {
		return invalid("server.timeout must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return invalid("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.Burst < 1 {
		return invalid("server.burst must be positive when a rate limit is set")
	}
	if c.Sync.Workers < 1 {
		return invalid("sync.workers must be at least 1")
	}
	if c.Sync.PhaseTimeout <= 0 {
		return invalid("sync.phase_timeout must be positive")
	}
	if c.Sync.PullPageSize < 1 || c.Sync.PushBatchSize < 1 {
		return invalid("sync.pull_page_size and sync.push_batch_size must be at least 1")
	}
	if c.Sync.ScanPageSize < 0 {
		return invalid("sync.scan_page_size must not be negative")
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return invalid("logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return invalid("logging.format must be text or json, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Buckets))
	for i, b := range c.Buckets {
		if b.Name == "" {
			return invalid("buckets[%d]: name is required", i)
		}
		if seen[b.Name] {
			return invalid("buckets[%d]: duplicate bucket %q", i, b.Name)
		}
		seen[b.Name] = true
		if _, err := b.Convert(); err != nil {
			return invalid("buckets[%d]: %v", i, err)
		}
	}
	return nil
}

// Convert turns the declaration into the engine's bucket configuration.
func (b BucketConfig) Convert() (synckit.BucketConfig, error) {
	policy := types.ConflictPolicy(strings.ToUpper(b.Policy))
	if b.Policy == "" {
		policy = types.PolicyServer
	}
	if !policy.Valid() {
		return synckit.BucketConfig{}, fmt.Errorf("unknown policy %q", b.Policy)
	}

	out := synckit.BucketConfig{Name: b.Name, Policy: policy}
	if strings.TrimSpace(b.Scope) != "" {
		q, err := query.Unmarshal([]byte(`{"where":` + b.Scope + `}`))
		if err != nil {
			return synckit.BucketConfig{}, fmt.Errorf("scope: %w", err)
		}
		out.Scope = &q
	}
	if len(b.Indexes) > 0 {
		out.Indexes = make(storage.IndexDefinitions, len(b.Indexes))
		for field, t := range b.Indexes {
			it := storage.IndexType(strings.ToUpper(t))
			if !it.Valid() {
				return synckit.BucketConfig{}, fmt.Errorf("index %q: unknown type %q", field, t)
			}
			out.Indexes[field] = it
		}
	}
	return out, nil
}

// ServiceOptions returns the engine options described by the sync section.
func (c *Config) ServiceOptions() []synckit.Option {
	opts := []synckit.Option{
		synckit.WithWorkers(c.Sync.Workers),
		synckit.WithPhaseTimeout(c.Sync.PhaseTimeout),
		synckit.WithPullPageSize(c.Sync.PullPageSize),
		synckit.WithPushBatchSize(c.Sync.PushBatchSize),
	}
	if c.Sync.ScanPageSize > 0 {
		opts = append(opts, synckit.WithScanPageSize(c.Sync.ScanPageSize))
	}
	return opts
}

// ClientOptions returns the HTTP transport options described by the server
// section.
func (c *Config) ClientOptions() []httptransport.ClientOption {
	opts := []httptransport.ClientOption{
		httptransport.WithClientCompression(c.Server.Compression),
	}
	if c.Server.Timeout > 0 {
		opts = append(opts, httptransport.WithClientTimeout(c.Server.Timeout))
	}
	if c.Server.RateLimit > 0 {
		opts = append(opts, httptransport.WithRateLimit(c.Server.RateLimit, c.Server.Burst))
	}
	for k, v := range c.Server.Headers {
		opts = append(opts, httptransport.WithHeader(k, v))
	}
	return opts
}

// BucketConfigs converts every declared bucket.
func (c *Config) BucketConfigs() ([]synckit.BucketConfig, error) {
	out := make([]synckit.BucketConfig, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		bc, err := b.Convert()
		if err != nil {
			return nil, syncErrors.E(syncErrors.Op("config.BucketConfigs"), syncErrors.Component("config"),
				syncErrors.KindInvalid, fmt.Errorf("bucket %s: %w", b.Name, err))
		}
		out = append(out, bc)
	}
	return out, nil
}
