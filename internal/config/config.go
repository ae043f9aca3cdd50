// Package config loads application configuration from a TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	SQLite    SQLiteConfig    `koanf:"sqlite"`
	Logging   LoggingConfig   `koanf:"logging"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Channels  ChannelsConfig  `koanf:"channels"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SQLiteConfig configures the metadata database.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// AlertsConfig configures the evaluation engine.
type AlertsConfig struct {
	// EvaluationConcurrency bounds how many alerts evaluate in parallel
	// within one user.
	EvaluationConcurrency int `koanf:"evaluation_concurrency"`
	// PageSize bounds how many users are processed per batch page.
	PageSize int `koanf:"page_size"`
	// ThresholdCooldown suppresses repeat account_threshold firings in the
	// same direction.
	ThresholdCooldown time.Duration `koanf:"threshold_cooldown"`
	// FingerprintTTL bounds the volatile duplicate-suppression window.
	FingerprintTTL time.Duration `koanf:"fingerprint_ttl"`
}

// RetryConfig holds per-channel retry parameters.
type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// EmailConfig configures the SMTP channel adapter.
type EmailConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
	From          string        `koanf:"from"`
	Security      string        `koanf:"security"`
	SkipTLSVerify bool          `koanf:"skip_tls_verify"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Retry         RetryConfig   `koanf:"retry"`
}

// SMSConfig configures the HTTP SMS provider adapter.
type SMSConfig struct {
	URL           string        `koanf:"url"`
	APIKey        string        `koanf:"api_key"`
	From          string        `koanf:"from"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Retry         RetryConfig   `koanf:"retry"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	SuccessThreshold int           `koanf:"success_threshold"`
}

// ChannelsConfig groups the channel adapter settings.
type ChannelsConfig struct {
	Email   EmailConfig   `koanf:"email"`
	SMS     SMSConfig     `koanf:"sms"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// SchedulerConfig configures the cron trigger.
type SchedulerConfig struct {
	Enabled bool `koanf:"enabled"`
	// BatchSpec triggers the periodic sweep over batch alert types.
	BatchSpec string `koanf:"batch_spec"`
	// BillSpec triggers the daily upcoming_bill sweep.
	BillSpec string `koanf:"bill_spec"`
}

// Default returns the built-in configuration applied before any file or
// environment overrides.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8125},
		SQLite:  SQLiteConfig{Path: "finsentry.db"},
		Logging: LoggingConfig{Level: "info"},
		Alerts: AlertsConfig{
			EvaluationConcurrency: 10,
			PageSize:              100,
			ThresholdCooldown:     6 * time.Hour,
			FingerprintTTL:        30 * time.Minute,
		},
		Channels: ChannelsConfig{
			Email: EmailConfig{
				Port:          587,
				Security:      "starttls",
				Timeout:       10 * time.Second,
				RatePerSecond: 5,
				Retry: RetryConfig{
					MaxAttempts:  5,
					InitialDelay: time.Second,
					Multiplier:   2,
					MaxDelay:     5 * time.Minute,
				},
			},
			SMS: SMSConfig{
				Timeout:       10 * time.Second,
				RatePerSecond: 1,
				Retry: RetryConfig{
					MaxAttempts:  3,
					InitialDelay: 2 * time.Second,
					Multiplier:   3,
					MaxDelay:     time.Minute,
				},
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         60 * time.Second,
				SuccessThreshold: 2,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			BatchSpec: "@every 5m",
			BillSpec:  "0 8 * * *",
		},
	}
}

const envPrefix = "FINSENTRY_"

// Load reads configuration from the given TOML file (optional) and overlays
// FINSENTRY_* environment variables, e.g. FINSENTRY_SERVER__PORT=9000.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
