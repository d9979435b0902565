// Package config loads service configuration from an optional YAML file overlaid with
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"showingflow/escalation"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Database   DatabaseConfig    `yaml:"database"`
	NATS       NATSConfig        `yaml:"nats"`
	Redis      RedisConfig       `yaml:"redis"`
	Auth       AuthConfig        `yaml:"auth"`
	Escalation escalation.Config `yaml:"escalation"`
	Workers    WorkersConfig     `yaml:"workers"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	// AutoMigrate applies embedded migrations on serve.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// NATSConfig configures the notification transport. An empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// RedisConfig configures the per-handler inbox. An empty URL disables it.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// WorkersConfig tunes the background loops run by serve.
type WorkersConfig struct {
	TimerPollInterval  time.Duration `yaml:"timer_poll_interval"`
	TimerRetryBackoff  time.Duration `yaml:"timer_retry_backoff"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace     time.Duration `yaml:"reconcile_grace"`
	ListenConcurrency  int           `yaml:"listen_concurrency"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnIdleTime: 5 * time.Minute,
		},
		NATS: NATSConfig{
			Name:          "showingflow",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Escalation: escalation.DefaultConfig(),
		Workers: WorkersConfig{
			TimerPollInterval:  time.Second,
			TimerRetryBackoff:  5 * time.Second,
			OutboxPollInterval: 2 * time.Second,
			OutboxMaxAttempts:  10,
			ReconcileInterval:  time.Minute,
			ReconcileGrace:     30 * time.Minute,
			ListenConcurrency:  8,
		},
	}
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.Database.AutoMigrate, err = getEnvBool("AUTO_MIGRATE", c.Database.AutoMigrate); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ESCALATION_DEFAULT_RESPONSE_TIMEOUT", &c.Escalation.DefaultResponseTimeout},
		{"ESCALATION_MAX_DURATION", &c.Escalation.MaxEscalationDuration},
		{"ESCALATION_PUBLIC_INTERVAL", &c.Escalation.PublicReevaluationInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if c.Workers.ReconcileGrace > 0 && c.Workers.ReconcileGrace <= c.Escalation.DefaultResponseTimeout {
		return fmt.Errorf("workers.reconcile_grace must exceed escalation.default_response_timeout")
	}
	if err := c.Escalation.Validate(); err != nil {
		return fmt.Errorf("escalation: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
