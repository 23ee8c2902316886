// Package config loads the cortex configuration from defaults, an
// optional YAML file, and environment variable overrides, in that
// order of precedence:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("cortex.yaml").
//	    WithEnvPrefix("CORTEX").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete cortex configuration.
type Config struct {
	// DataDir roots the durable store tree: semantic/, program/,
	// episodic/.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Server holds the HTTP surface settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis optionally backs working memory for multi-instance
	// deployments. Empty Addr keeps the in-process backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Memory tunes the four store layers.
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Cognition tunes perception, planning and maintenance.
	Cognition CognitionConfig `yaml:"cognition" env:"COGNITION"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Port serving /metrics and /healthz.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig configures the optional Redis working-memory backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// MemoryConfig tunes the four store layers.
type MemoryConfig struct {
	// Working memory item default TTL.
	WorkingTTL time.Duration `yaml:"working_ttl" env:"WORKING_TTL"`
	// Working memory sweep interval.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// Episodic retention before archival.
	RetentionDays int `yaml:"retention_days" env:"RETENTION_DAYS"`
	// Episodic eager-load window.
	RecentDays int `yaml:"recent_days" env:"RECENT_DAYS"`
	// Semantic version history cap per card.
	MaxVersions int `yaml:"max_versions" env:"MAX_VERSIONS"`
	// Semantic prune retention-weight threshold.
	PruneThreshold float64 `yaml:"prune_threshold" env:"PRUNE_THRESHOLD"`
}

// CognitionConfig tunes perception, planning and maintenance.
type CognitionConfig struct {
	// Capability profile staleness window.
	ProfileStaleness time.Duration `yaml:"profile_staleness" env:"PROFILE_STALENESS"`
	// Maintenance intervals.
	ProfileInterval    time.Duration `yaml:"profile_interval" env:"PROFILE_INTERVAL"`
	LearningInterval   time.Duration `yaml:"learning_interval" env:"LEARNING_INTERVAL"`
	PruneInterval      time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
	StrategiesInterval time.Duration `yaml:"strategies_interval" env:"STRATEGIES_INTERVAL"`
	// Per-fetch timeout for learning steps.
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	// Outbound fetches per second.
	FetchRate float64 `yaml:"fetch_rate" env:"FETCH_RATE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths; defaults to stdout.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with the caller.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Attach stacktraces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the CORTEX env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CORTEX",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile merges YAML over the current values. A missing file is
// not an error.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct, overriding any field whose
// env-tagged key is set.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate sanity-checks the resolved configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Memory.RetentionDays <= 0 {
		errs = append(errs, "retention_days must be positive")
	}
	if c.Memory.PruneThreshold < 0 || c.Memory.PruneThreshold > 1 {
		errs = append(errs, "prune_threshold must be between 0 and 1")
	}
	if c.Cognition.FetchRate <= 0 {
		errs = append(errs, "fetch_rate must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
