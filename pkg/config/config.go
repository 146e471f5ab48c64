// Package config loads and validates the read-path helper's runtime
// configuration: logging, telemetry, the statistics surface, the local disk
// cache, and the reader's own tunables (prefetch window, retry budget, park
// timeout, short-read policy).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/coldmesh/netfs/internal/bytesize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the read-path helper's top-level configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (NETFS_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing and Pyroscope
	// continuous profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus statistics-surface configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Cache specifies the WAL-backed local disk cache configuration.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Reader contains the read-path coordinator's own tunables.
	Reader ReaderConfig `mapstructure:"reader" yaml:"reader"`

	// ShutdownTimeout bounds how long a caller-driven shutdown waits for
	// in-flight subrequests to drain before abandoning them.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized
	// to uppercase).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure controls whether to use an insecure (non-TLS) connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling of the
// run-or-defer worker pool.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL).
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus statistics surface.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// CacheConfig specifies the WAL-backed local disk cache configuration.
type CacheConfig struct {
	// Path is the directory for the cache WAL file (required).
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// Size is the maximum cache size. Supports human-readable formats:
	// "1GB", "512MB", "10Gi".
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size,omitempty"`

	// MaxPendingSize limits pending (dirty) data to bound memory use even
	// when the cache itself is unbounded.
	MaxPendingSize bytesize.ByteSize `mapstructure:"max_pending_size" yaml:"max_pending_size,omitempty"`
}

// ReaderConfig contains the read-path coordinator's own tunables, not
// present in the teacher's configuration: the teacher's cache and payload
// sections have no analogue for readahead depth, anchor park timeouts, or
// short-read policy since its read path has no kernel-style rreq/sreq
// coordinator.
type ReaderConfig struct {
	// PrefetchBlocks is defaulted and validated but not passed to netfsio:
	// Session.Readahead submits every subrequest of its window from the
	// calling goroutine and hands none of them to the worker pool.
	PrefetchBlocks int `mapstructure:"prefetch_blocks" validate:"omitempty,gt=0" yaml:"prefetch_blocks"`

	// MaxRetries mirrors SessionConfig.MaxRetries, which a Session copies
	// onto each Request; the read path does not consult it. A short server
	// read is re-issued until the subrequest completes, and fails with
	// ErrNoData after two zero-byte transfers in a row.
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,gte=0" yaml:"max_retries"`

	// ParkTimeout is defaulted and validated but not passed to netfsio:
	// ReadPage/WriteBegin park on nr_rd_ops==1 until the request completes
	// or their context is canceled, with no timeout of their own.
	ParkTimeout time.Duration `mapstructure:"park_timeout" validate:"omitempty,gt=0" yaml:"park_timeout"`

	// ShortReadPolicy controls how an over-length SubreqTerminated report
	// is handled: "clamp" (default) truncates to the requested length,
	// "fail" marks the subrequest failed.
	ShortReadPolicy string `mapstructure:"short_read_policy" validate:"omitempty,oneof=clamp fail" yaml:"short_read_policy"`

	// WorkerPoolSize is the number of goroutines backing the run-or-defer
	// primitive.
	WorkerPoolSize int `mapstructure:"worker_pool_size" validate:"omitempty,gt=0" yaml:"worker_pool_size"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := DefaultConfig()
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("default configuration failed validation: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the given path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate runs struct-tag validation over the loaded configuration.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NETFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "netfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "netfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
