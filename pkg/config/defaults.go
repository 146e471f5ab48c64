package config

import (
	"strings"
	"time"

	"github.com/coldmesh/netfs/internal/bytesize"
)

// DefaultConfig returns a Config populated with every default value, as if
// loaded with no config file and no environment overrides present.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unspecified fields with sensible defaults. Explicit
// values set from a config file or environment variable are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyCacheDefaults(&cfg.Cache)
	applyReaderDefaults(&cfg.Reader)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Size == 0 {
		cfg.Size = bytesize.ByteSize(bytesize.GiB)
	}
	if cfg.MaxPendingSize == 0 {
		cfg.MaxPendingSize = bytesize.ByteSize(512 * bytesize.MiB)
	}
}

func applyReaderDefaults(cfg *ReaderConfig) {
	if cfg.PrefetchBlocks == 0 {
		cfg.PrefetchBlocks = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ParkTimeout == 0 {
		cfg.ParkTimeout = 30 * time.Second
	}
	if cfg.ShortReadPolicy == "" {
		cfg.ShortReadPolicy = "clamp"
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 16
	}
}
