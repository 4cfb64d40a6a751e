// Package config loads application configuration from an optional YAML file
// layered with KEYPULSE_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Push      PushConfig      `koanf:"push"`
}

// ServerConfig configures the health and metrics HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrations      string        `koanf:"migrations"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// SchedulerConfig configures the dispatcher tick loop and its companions.
type SchedulerConfig struct {
	TickInterval         time.Duration `koanf:"tick_interval"`
	StartDelay           time.Duration `koanf:"start_delay"`
	BatchSize            int           `koanf:"batch_size" validate:"gt=0"`
	MaxAttempts          int           `koanf:"max_attempts" validate:"gt=0"`
	BaseRetryDelay       time.Duration `koanf:"base_retry_delay"`
	MaxConcurrency       int           `koanf:"max_concurrency" validate:"gt=0"`
	RegenerateInterval   time.Duration `koanf:"regenerate_interval"`
	CleanupInterval      time.Duration `koanf:"cleanup_interval"`
	JobRetentionDays     int           `koanf:"job_retention_days" validate:"gt=0"`
	HistorySweepInterval time.Duration `koanf:"history_sweep_interval"`
	HistoryRetentionDays int           `koanf:"history_retention_days" validate:"gt=0"`
}

// DeliveryConfig configures the delivery gates.
type DeliveryConfig struct {
	DedupWindow        time.Duration `koanf:"dedup_window"`
	DedupSweepInterval time.Duration `koanf:"dedup_sweep_interval"`
	SendTimeout        time.Duration `koanf:"send_timeout"`
}

// PushConfig configures the web push transport.
type PushConfig struct {
	Enabled         bool    `koanf:"enabled"`
	VAPIDPublicKey  string  `koanf:"vapid_public_key"`
	VAPIDPrivateKey string  `koanf:"vapid_private_key"`
	Subscriber      string  `koanf:"subscriber"`
	RateLimit       float64 `koanf:"rate_limit"`
	RateBurst       int     `koanf:"rate_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			Migrations:      "migrations",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Scheduler: SchedulerConfig{
			TickInterval:         60 * time.Second,
			StartDelay:           5 * time.Second,
			BatchSize:            100,
			MaxAttempts:          3,
			BaseRetryDelay:       5 * time.Minute,
			MaxConcurrency:       10,
			RegenerateInterval:   24 * time.Hour,
			CleanupInterval:      6 * time.Hour,
			JobRetentionDays:     30,
			HistorySweepInterval: 24 * time.Hour,
			HistoryRetentionDays: 30,
		},
		Delivery: DeliveryConfig{
			DedupWindow:        60 * time.Second,
			DedupSweepInterval: 5 * time.Minute,
			SendTimeout:        10 * time.Second,
		},
		Push: PushConfig{
			RateLimit: 50,
			RateBurst: 100,
		},
	}
}

// Load reads configuration from the given YAML file (optional) and
// KEYPULSE_ environment variables, layered over defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// KEYPULSE_DATABASE_URL -> database.url
	envProvider := env.Provider("KEYPULSE_", ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, "KEYPULSE_")), "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
