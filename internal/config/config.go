// Package config defines the application's root configuration, loaded from a
// YAML file and FMD_-prefixed environment variables via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for the worker process.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Security SecurityConfig `mapstructure:"security"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Session  SessionConfig  `mapstructure:"session"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// RedisConfig holds settings for the queue/registry backend.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// PostgresConfig holds settings for the results archive. An empty URL disables
// archiving.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// SecurityConfig holds the shared-secret material and protocol limits for the
// signed-task channel.
type SecurityConfig struct {
	WorkerSecret     string        `mapstructure:"worker_secret"`
	EncryptionKey    string        `mapstructure:"encryption_key"`
	SignatureMaxAge  time.Duration `mapstructure:"signature_max_age"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	RateLimitPerMin  int           `mapstructure:"rate_limit_per_min"`
	EncryptPayloads  bool          `mapstructure:"encrypt_payloads"`
	RequireSignature bool          `mapstructure:"require_signature"`
}

// WorkerConfig holds settings for the dispatcher loop and the browser pool.
type WorkerConfig struct {
	ID                    string        `mapstructure:"id"`
	QueueName             string        `mapstructure:"queue_name"`
	MaxConcurrentBrowsers int           `mapstructure:"max_concurrent_browsers"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	TaskTimeout           time.Duration `mapstructure:"task_timeout"`
	MaxTaskRetries        int           `mapstructure:"max_task_retries"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	ReapInterval          time.Duration `mapstructure:"reap_interval"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace"`
}

// BrowserConfig holds settings for the headless browser engine.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
}

// SessionConfig holds settings for persisted browsing sessions.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// TargetURL is the site whose logged-in session the workers maintain.
	TargetURL string `mapstructure:"target_url"`
}

// SetDefaults registers the default value for every key so a minimal config
// file still yields a runnable worker.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "fmd-worker")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("redis.url", "redis://localhost:6379")

	v.SetDefault("security.signature_max_age", 5*time.Minute)
	v.SetDefault("security.rate_limit_burst", 20)
	v.SetDefault("security.rate_limit_per_min", 100)
	v.SetDefault("security.encrypt_payloads", true)
	v.SetDefault("security.require_signature", true)

	v.SetDefault("worker.queue_name", "soldier")
	v.SetDefault("worker.max_concurrent_browsers", 5)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.task_timeout", 2*time.Minute)
	v.SetDefault("worker.max_task_retries", 3)
	v.SetDefault("worker.idle_timeout", 10*time.Minute)
	v.SetDefault("worker.reap_interval", time.Minute)
	v.SetDefault("worker.shutdown_grace", 30*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.probe_timeout", 10*time.Second)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.target_url", "https://www.facebook.com")
}

// Load unmarshals and validates the configuration from Viper. The caller owns
// the returned Config; there is no package-level instance.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Security.WorkerSecret != "" && len(c.Security.WorkerSecret) < 32 {
		return fmt.Errorf("security.worker_secret must be at least 32 characters")
	}
	if c.Security.RequireSignature && c.Security.WorkerSecret == "" {
		return fmt.Errorf("security.worker_secret is required when security.require_signature is set")
	}
	if c.Worker.MaxConcurrentBrowsers <= 0 {
		return fmt.Errorf("worker.max_concurrent_browsers must be positive")
	}
	if c.Worker.MaxTaskRetries < 0 {
		return fmt.Errorf("worker.max_task_retries must not be negative")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	return nil
}

// EncryptionSecret returns the key material for payload encryption, falling
// back to the signing secret when no dedicated key is configured.
func (c *Config) EncryptionSecret() string {
	if c.Security.EncryptionKey != "" {
		return c.Security.EncryptionKey
	}
	return c.Security.WorkerSecret
}
