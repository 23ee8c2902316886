package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "cortex", cfg.Redis.KeyPrefix)

	assert.Equal(t, 30*time.Minute, cfg.Memory.WorkingTTL)
	assert.Equal(t, 5*time.Minute, cfg.Memory.SweepInterval)
	assert.Equal(t, 30, cfg.Memory.RetentionDays)
	assert.Equal(t, 7, cfg.Memory.RecentDays)
	assert.Equal(t, 5, cfg.Memory.MaxVersions)
	assert.Equal(t, 0.1, cfg.Memory.PruneThreshold)

	assert.Equal(t, time.Hour, cfg.Cognition.ProfileInterval)
	assert.Equal(t, 30*time.Minute, cfg.Cognition.LearningInterval)
	assert.Equal(t, 24*time.Hour, cfg.Cognition.PruneInterval)
	assert.Equal(t, 6*time.Hour, cfg.Cognition.StrategiesInterval)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 30, cfg.Memory.RetentionDays)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
data_dir: /var/lib/cortex

server:
  metrics_port: 9200

memory:
  retention_days: 14
  working_ttl: 10m
  prune_threshold: 0.2

cognition:
  learning_interval: 15m
  fetch_timeout: 5s

log:
  level: debug
  format: console

telemetry:
  enabled: true
  otlp_endpoint: collector:4317
  service_name: cortex-test
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cortex", cfg.DataDir)
	assert.Equal(t, 9200, cfg.Server.MetricsPort)
	assert.Equal(t, 14, cfg.Memory.RetentionDays)
	assert.Equal(t, 10*time.Minute, cfg.Memory.WorkingTTL)
	assert.Equal(t, 0.2, cfg.Memory.PruneThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Cognition.LearningInterval)
	assert.Equal(t, 5*time.Second, cfg.Cognition.FetchTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Memory.MaxVersions)
	assert.Equal(t, 24*time.Hour, cfg.Cognition.PruneInterval)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/cortex.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("CORTEX_DATA_DIR", "/tmp/cortex-env")
	t.Setenv("CORTEX_SERVER_METRICS_PORT", "9300")
	t.Setenv("CORTEX_MEMORY_WORKING_TTL", "45m")
	t.Setenv("CORTEX_MEMORY_PRUNE_THRESHOLD", "0.35")
	t.Setenv("CORTEX_REDIS_ADDR", "redis:6379")
	t.Setenv("CORTEX_TELEMETRY_ENABLED", "true")
	t.Setenv("CORTEX_LOG_OUTPUT_PATHS", "stdout, /var/log/cortex.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cortex-env", cfg.DataDir)
	assert.Equal(t, 9300, cfg.Server.MetricsPort)
	assert.Equal(t, 45*time.Minute, cfg.Memory.WorkingTTL)
	assert.Equal(t, 0.35, cfg.Memory.PruneThreshold)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/cortex.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: /from/yaml\n"), 0o644))

	t.Setenv("CORTEX_DATA_DIR", "/from/env")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("BRAIN_DATA_DIR", "/brain/data")

	cfg, err := NewLoader().WithEnvPrefix("BRAIN").Load()
	require.NoError(t, err)
	assert.Equal(t, "/brain/data", cfg.DataDir)
}

func TestLoader_Validator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, false},
		{"bad port", func(c *Config) { c.Server.MetricsPort = 0 }, false},
		{"bad retention", func(c *Config) { c.Memory.RetentionDays = -1 }, false},
		{"bad threshold", func(c *Config) { c.Memory.PruneThreshold = 1.5 }, false},
		{"bad fetch rate", func(c *Config) { c.Cognition.FetchRate = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMustLoad(t *testing.T) {
	assert.NotPanics(t, func() {
		cfg := MustLoad("")
		assert.NotNil(t, cfg)
	})
}
