// Package config loads forgemirror configuration from a YAML file and
// FORGEMIRROR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
)

// Sentinel validation errors.
var (
	ErrInvalidPort        = errors.New("invalid server port")
	ErrInvalidBatchSize   = errors.New("sync batch size must be positive")
	ErrInvalidInterval    = errors.New("sync intervals must not be negative")
	ErrInvalidPattern     = errors.New("invalid ref pattern")
	ErrInvalidMaxHandles  = errors.New("cache max handles must be positive")
	ErrMissingDriver      = errors.New("repository driver is required")
	ErrInvalidLogFormat   = errors.New("log format must be text or json")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidSampleRatio = errors.New("sample ratio must be between 0 and 1")
)

const (
	envPrefix = "FORGEMIRROR"
	maxPort   = 65535
)

// Config holds all forgemirror configuration.
type Config struct {
	Store         StoreConfig         `mapstructure:"store"`
	Repositories  RepositoriesConfig  `mapstructure:"repositories"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// StoreConfig locates the SQLite index.
type StoreConfig struct {
	Path         string        `mapstructure:"path"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// RepositoriesConfig controls where mirrored repositories live.
type RepositoriesConfig struct {
	// Root is the directory new repositories are created in.
	Root   string `mapstructure:"root"`
	Driver string `mapstructure:"driver"`
	Kind   string `mapstructure:"kind"`
}

// SyncConfig tunes sync runs and their triggers.
type SyncConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	// RefPatterns selects the references to capture; empty captures all.
	RefPatterns []string `mapstructure:"ref_patterns"`
	// RefreshInterval triggers every ready repository periodically; zero disables.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Watch           bool          `mapstructure:"watch"`
	Debounce        time.Duration `mapstructure:"debounce"`
	// AllowPartial serves queries on repositories that are not ready.
	AllowPartial bool `mapstructure:"allow_partial"`
}

// CacheConfig sizes the backend handle cache.
type CacheConfig struct {
	MaxHandles int `mapstructure:"max_handles"`
}

// CheckpointConfig controls resumable sync runs.
type CheckpointConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Dir     string        `mapstructure:"dir"`
	Resume  bool          `mapstructure:"resume"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	Environment  string  `mapstructure:"environment"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Prometheus   bool    `mapstructure:"prometheus"`
}

// LoadConfig loads configuration from configPath, or from forgemirror.yaml
// in the usual locations when configPath is empty, then applies environment
// overrides.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("forgemirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/forgemirror")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := DefaultHome()

	v.SetDefault("store.path", filepath.Join(home, DefaultStoreFile))
	v.SetDefault("store.busy_timeout", DefaultStoreBusyTimeout)
	v.SetDefault("store.max_open_conns", 0)

	v.SetDefault("repositories.root", filepath.Join(home, "repos"))
	v.SetDefault("repositories.driver", DefaultDriver)
	v.SetDefault("repositories.kind", DefaultKind)

	v.SetDefault("sync.batch_size", DefaultSyncBatchSize)
	v.SetDefault("sync.ref_patterns", []string{})
	v.SetDefault("sync.refresh_interval", DefaultSyncRefreshInterval)
	v.SetDefault("sync.watch", DefaultSyncWatch)
	v.SetDefault("sync.debounce", DefaultSyncDebounce)
	v.SetDefault("sync.allow_partial", DefaultSyncAllowPartial)

	v.SetDefault("cache.max_handles", DefaultCacheMaxHandles)

	v.SetDefault("checkpoint.enabled", DefaultCheckpointEnabled)
	v.SetDefault("checkpoint.dir", filepath.Join(home, "checkpoints"))
	v.SetDefault("checkpoint.resume", DefaultCheckpointResume)
	v.SetDefault("checkpoint.max_age", DefaultCheckpointMaxAge)

	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)

	v.SetDefault("observability.environment", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_headers", "")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.sample_ratio", 0.0)
	v.SetDefault("observability.prometheus", true)
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Sync.BatchSize)
	}

	if c.Sync.RefreshInterval < 0 || c.Sync.Debounce < 0 {
		return ErrInvalidInterval
	}

	for _, pattern := range c.Sync.RefPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}

	if c.Cache.MaxHandles <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxHandles, c.Cache.MaxHandles)
	}

	if c.Repositories.Driver == "" {
		return ErrMissingDriver
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, c.Observability.SampleRatio)
	}

	return nil
}

// ObservabilityConfig converts the logging and observability sections for
// observability.Init.
func (c *Config) ObservabilityConfig(mode observability.AppMode, version string) observability.Config {
	out := observability.DefaultConfig()

	out.ServiceVersion = version
	out.Mode = mode
	out.Environment = c.Observability.Environment
	out.OTLPEndpoint = c.Observability.OTLPEndpoint
	out.OTLPHeaders = observability.ParseOTLPHeaders(c.Observability.OTLPHeaders)
	out.OTLPInsecure = c.Observability.OTLPInsecure
	out.SampleRatio = c.Observability.SampleRatio
	out.Prometheus = c.Observability.Prometheus && mode == observability.ModeServe
	out.LogJSON = c.Logging.Format == "json"

	if level, err := observability.ParseLevel(c.Logging.Level); err == nil {
		out.LogLevel = level
	}

	return out
}
