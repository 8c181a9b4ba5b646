package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Task      TaskConfig      `mapstructure:"task"      validate:"required"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Session   SessionConfig   `mapstructure:"session"   validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// For the sqlite driver URL is a file path.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"         validate:"required,oneof=postgres sqlite"`
	URL          string `mapstructure:"url"            validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
}

// TaskConfig contains lease and worker settings for generation tasks.
type TaskConfig struct {
	LeaseDuration     time.Duration `mapstructure:"lease_duration"     validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts"       validate:"gte=1"`
	WorkerCount       int           `mapstructure:"worker_count"       validate:"gte=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval"      validate:"gt=0"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"     validate:"required"`
	PollConcurrency   int           `mapstructure:"poll_concurrency"   validate:"gte=1"`
	// EmbeddedWorkers runs the worker pool and sweeper inside the API process.
	EmbeddedWorkers bool `mapstructure:"embedded_workers"`
}

// ProvidersConfig contains credentials and endpoints of generation providers.
// Task types whose provider is not configured fail with a non-retryable
// provider error unless UseMocks is set.
type ProvidersConfig struct {
	UseMocks     bool          `mapstructure:"use_mocks"`
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	GeminiModel  string        `mapstructure:"gemini_model"`
	MediaBaseURL string        `mapstructure:"media_base_url" validate:"omitempty,url"`
	HTTPBaseURL  string        `mapstructure:"http_base_url"  validate:"omitempty,url"`
	HTTPAPIKey   string        `mapstructure:"http_api_key"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"   validate:"gt=0"`
}

// SessionConfig contains agent session settings.
type SessionConfig struct {
	// HistoryCacheSize and HistoryCacheTTL bound the replayed-history cache.
	// Entries are revalidated against the sessions row on every read.
	HistoryCacheSize   int           `mapstructure:"history_cache_size"   validate:"gte=1"`
	HistoryCacheTTL    time.Duration `mapstructure:"history_cache_ttl"    validate:"gt=0"`
	StreamPollInterval time.Duration `mapstructure:"stream_poll_interval" validate:"gt=0"`
	MaxSteps           int           `mapstructure:"max_steps"            validate:"gte=1"`
}
