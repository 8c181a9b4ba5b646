package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// STORYBOARD_DATABASE_URL for database.url.
const EnvPrefix = "STORYBOARD"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)

	v.SetDefault("task.lease_duration", 3*time.Minute)
	v.SetDefault("task.heartbeat_interval", 30*time.Second)
	v.SetDefault("task.max_attempts", 3)
	v.SetDefault("task.worker_count", 4)
	v.SetDefault("task.poll_interval", 2*time.Second)
	v.SetDefault("task.sweep_schedule", "@every 20s")
	v.SetDefault("task.poll_concurrency", 8)
	v.SetDefault("task.embedded_workers", true)

	v.SetDefault("providers.use_mocks", false)
	v.SetDefault("providers.gemini_api_key", "")
	v.SetDefault("providers.gemini_model", "gemini-2.0-flash")
	v.SetDefault("providers.media_base_url", "")
	v.SetDefault("providers.http_base_url", "")
	v.SetDefault("providers.http_api_key", "")
	v.SetDefault("providers.http_timeout", 60*time.Second)

	v.SetDefault("session.history_cache_size", 4096)
	v.SetDefault("session.history_cache_ttl", 10*time.Second)
	v.SetDefault("session.stream_poll_interval", 500*time.Millisecond)
	v.SetDefault("session.max_steps", 200)
}

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over
// values from the file. Returns a populated Config or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules of cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	// A live worker must be able to miss two heartbeats before its lease lapses.
	if cfg.Task.HeartbeatInterval*3 > cfg.Task.LeaseDuration {
		return fmt.Errorf(
			"config validation failed: task.heartbeat_interval (%s) must be at most a third of task.lease_duration (%s)",
			cfg.Task.HeartbeatInterval, cfg.Task.LeaseDuration,
		)
	}
	return nil
}
