package config

import "time"

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Runtime:   DefaultRuntimeConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitBurst:  20,
	}
}

// DefaultDatabaseConfig returns a local sqlite store.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "loom.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns a disabled result cache. Set Addr to enable it.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "loom:",
		ResultTTL:    24 * time.Hour,
	}
}

// DefaultRuntimeConfig returns the default coordination policy.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		LeaseTTL:               30 * time.Second,
		HeartbeatGrace:         10 * time.Second,
		ExpiryScanInterval:     5 * time.Second,
		DispatchBatch:          8,
		MaxLeasesPerWorker:     0,
		CheckpointInterval:     16,
		InterruptResumeTimeout: 24 * time.Hour,
		Retry:                  DefaultRetryConfig(),
	}
}

// DefaultRetryConfig returns the default attempt retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultLogConfig returns json logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns telemetry disabled.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "loom",
		SampleRate:   1.0,
	}
}
