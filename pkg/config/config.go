// Package config loads dispatchq settings from an optional config file, the
// environment (DISPATCHQ_ prefix) and defaults, then validates them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/dispatchq/pkg/breaker"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Redis   RedisConfig   `mapstructure:"redis" validate:"required"`
	Queue   QueueConfig   `mapstructure:"queue" validate:"required"`
	Breaker BreakerConfig `mapstructure:"breaker" validate:"required"`
	Results ResultsConfig `mapstructure:"results" validate:"required"`
	Worker  WorkerConfig  `mapstructure:"worker" validate:"required"`
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
}

// RedisConfig holds backing store connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
}

// QueueConfig holds priority queue settings
type QueueConfig struct {
	Name          string        `mapstructure:"name" validate:"required"`
	MetaRetention time.Duration `mapstructure:"meta_retention"`
}

// BreakerConfig holds the defaults for breakers created by the registry
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls" validate:"gte=1"`
	SuccessThreshold int           `mapstructure:"success_threshold" validate:"gte=1"`
}

// ResultsConfig holds result store settings
type ResultsConfig struct {
	TTL          time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Channel      string        `mapstructure:"channel" validate:"required"`
	KeyPrefix    string        `mapstructure:"key_prefix" validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// WorkerConfig holds settings for the reference worker process
type WorkerConfig struct {
	ID          string        `mapstructure:"id"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1,lte=1024"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	RateLimit   float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst   int           `mapstructure:"rate_burst" validate:"gte=0"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr   string `mapstructure:"addr" validate:"required"`
	APIKey string `mapstructure:"api_key"`
}

// MetricsConfig holds the Prometheus endpoint address; empty disables it
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
}

// Breaker converts the defaults into a breaker.Config.
func (c BreakerConfig) Breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
		SuccessThreshold: c.SuccessThreshold,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("queue.name", "taskqueue")
	v.SetDefault("queue.meta_retention", "24h")

	def := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", def.FailureThreshold)
	v.SetDefault("breaker.recovery_timeout", def.RecoveryTimeout)
	v.SetDefault("breaker.half_open_max_calls", def.HalfOpenMaxCalls)
	v.SetDefault("breaker.success_threshold", def.SuccessThreshold)

	v.SetDefault("results.ttl", "1h")
	v.SetDefault("results.channel", "task_results")
	v.SetDefault("results.key_prefix", "result")
	v.SetDefault("results.poll_interval", "1s")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_timeout", "1s")
	v.SetDefault("worker.rate_limit", 0)
	v.SetDefault("worker.rate_burst", 0)

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.api_key", "")

	v.SetDefault("metrics.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration from configPath (or ./config.yaml, ./config/config.yaml
// when empty), then applies DISPATCHQ_* environment overrides, e.g.
// DISPATCHQ_REDIS_URL or DISPATCHQ_WORKER_CONCURRENCY. A missing config file is
// not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DISPATCHQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and returns a readable error listing every violation.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
