package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Path = "/tmp/netfs-cache"

	require.NoError(t, Validate(cfg))
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 4, cfg.Reader.PrefetchBlocks)
	assert.Equal(t, 3, cfg.Reader.MaxRetries)
	assert.Equal(t, "clamp", cfg.Reader.ShortReadPolicy)
	assert.Equal(t, 16, cfg.Reader.WorkerPoolSize)
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Path = "/tmp/netfs-cache"
	cfg.Logging.Level = "VERBOSE"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "oneof")
}

func TestValidate_MissingCachePath(t *testing.T) {
	cfg := DefaultConfig()

	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_InvalidShortReadPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Path = "/tmp/netfs-cache"
	cfg.Reader.ShortReadPolicy = "retry"

	require.Error(t, Validate(cfg))
}

func TestValidate_TelemetryRequiresEndpointWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Path = "/tmp/netfs-cache"
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""

	require.Error(t, Validate(cfg))
}

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	// The defaults carry no Cache.Path, which is required, so loading
	// them without a config file fails validation.
	_, err := Load("")
	require.Error(t, err)
	assert.ErrorContains(t, err, "default configuration failed validation")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"

	cfg := DefaultConfig()
	cfg.Cache.Path = dir
	cfg.Logging.Level = "DEBUG"

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", loaded.Logging.Level)
	assert.Equal(t, dir, loaded.Cache.Path)
}
