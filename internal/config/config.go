// Package config provides configuration loading and management for jobqueue.
// It supports loading configuration from YAML files with environment variable
// overrides prefixed with JOBQUEUE_.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "JOBQUEUE_"

// StatusBackend selects where job snapshots are kept.
type StatusBackend string

const (
	// StatusBackendMemory keeps snapshots in process.
	StatusBackendMemory StatusBackend = "memory"
	// StatusBackendRedis keeps snapshots in Redis.
	StatusBackendRedis StatusBackend = "redis"
)

// IsValid returns true if the status backend is known.
func (b StatusBackend) IsValid() bool {
	return b == StatusBackendMemory || b == StatusBackendRedis
}

// Config represents the complete application configuration.
type Config struct {
	Queue  QueueConfig  `yaml:"queue"`
	Server ServerConfig `yaml:"server" envPrefix:"SERVER_"`
	Worker WorkerConfig `yaml:"worker" envPrefix:"WORKER_"`
	Kafka  KafkaConfig  `yaml:"kafka" envPrefix:"KAFKA_"`
	Redis  RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
	Status StatusConfig `yaml:"status" envPrefix:"STATUS_"`
	Logger LoggerConfig `yaml:"logger" envPrefix:"LOG_"`
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	Broker BrokerConfig `yaml:"broker" envPrefix:"BROKER_"`
}

// UseBroker returns true if a broker URL is configured.
func (c *QueueConfig) UseBroker() bool {
	return c.Broker.URL != ""
}

// BrokerConfig holds the AMQP broker settings. An empty URL selects the
// in-memory backend.
type BrokerConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	// Queue is optional; empty declares an exclusive server-named queue.
	Queue              string `yaml:"queue" env:"QUEUE"`
	Binding            string `yaml:"binding" env:"BINDING"`
	Prefetch           int    `yaml:"prefetch" env:"PREFETCH"`
	DeadLetterExchange string `yaml:"dead_letter_exchange" env:"DEAD_LETTER_EXCHANGE"`
	// DisableFallback turns a broker construction error into a startup
	// error instead of falling back to the in-memory backend.
	DisableFallback bool `yaml:"disable_fallback" env:"DISABLE_FALLBACK"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// WorkerConfig holds job runner settings.
type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	JobTimeout   time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffBase  time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax   time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	ProjectID    string        `yaml:"project_id" env:"PROJECT_ID"`
	Types        []string      `yaml:"types" env:"TYPES"`
}

// KafkaConfig holds the lifecycle event sink settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Brokers      []string      `yaml:"brokers" env:"BROKERS"`
	Topic        string        `yaml:"topic" env:"TOPIC"`
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// StatusConfig holds the job status store settings.
type StatusConfig struct {
	Backend StatusBackend `yaml:"backend" env:"BACKEND"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // "json" or "text"
}

// Load reads configuration from the YAML file at path, then applies
// environment overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for configuration fields that are not
// explicitly set.
func applyDefaults(cfg *Config) {
	// Broker defaults
	if cfg.Queue.Broker.Exchange == "" {
		cfg.Queue.Broker.Exchange = "jobs"
	}
	if cfg.Queue.Broker.Binding == "" {
		cfg.Queue.Broker.Binding = "project.*"
	}
	if cfg.Queue.Broker.Prefetch == 0 {
		cfg.Queue.Broker.Prefetch = 10
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Worker defaults
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = time.Second
	}
	if cfg.Worker.JobTimeout == 0 {
		cfg.Worker.JobTimeout = 5 * time.Minute
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 5
	}
	if cfg.Worker.BackoffBase == 0 {
		cfg.Worker.BackoffBase = 2 * time.Second
	}
	if cfg.Worker.BackoffMax == 0 {
		cfg.Worker.BackoffMax = 5 * time.Minute
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "job-events"
	}
	if cfg.Kafka.BatchTimeout == 0 {
		cfg.Kafka.BatchTimeout = 10 * time.Millisecond
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Status store defaults
	if cfg.Status.Backend == "" {
		cfg.Status.Backend = StatusBackendMemory
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = 24 * time.Hour
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if !c.Status.Backend.IsValid() {
		return fmt.Errorf("invalid status backend %q: must be memory or redis", c.Status.Backend)
	}
	if c.Logger.Format != "json" && c.Logger.Format != "text" {
		return fmt.Errorf("invalid logger format %q: must be json or text", c.Logger.Format)
	}
	if c.Queue.Broker.Prefetch < 0 {
		return fmt.Errorf("invalid broker prefetch %d", c.Queue.Broker.Prefetch)
	}
	if c.Worker.Concurrency < 0 || c.Worker.MaxAttempts < 0 {
		return errors.New("worker concurrency and max_attempts must not be negative")
	}
	return nil
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
