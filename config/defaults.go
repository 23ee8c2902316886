package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "./data",
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Memory:    DefaultMemoryConfig(),
		Cognition: DefaultCognitionConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRedisConfig returns the default Redis configuration. Addr is
// empty: working memory stays in-process unless one is set.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix: "cortex",
	}
}

// DefaultMemoryConfig returns the default memory tuning.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		WorkingTTL:     30 * time.Minute,
		SweepInterval:  5 * time.Minute,
		RetentionDays:  30,
		RecentDays:     7,
		MaxVersions:    5,
		PruneThreshold: 0.1,
	}
}

// DefaultCognitionConfig returns the default cognition tuning.
func DefaultCognitionConfig() CognitionConfig {
	return CognitionConfig{
		ProfileStaleness:   time.Hour,
		ProfileInterval:    time.Hour,
		LearningInterval:   30 * time.Minute,
		PruneInterval:      24 * time.Hour,
		StrategiesInterval: 6 * time.Hour,
		FetchTimeout:       15 * time.Second,
		FetchRate:          1,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cortex",
		SampleRate:   1.0,
	}
}
