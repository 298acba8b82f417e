// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/candleworks/candle/internal/mailer"
)

// Config holds everything the daemon needs to start.
type Config struct {
	// MessageHour is the local hour (0-23) deliveries target.
	MessageHour int
	// MaxRetries bounds delivery attempts per scheduled send.
	MaxRetries int
	// Concurrency is the number of delivery worker goroutines.
	Concurrency int
	// EmailAPIURL is the send endpoint of the email provider.
	EmailAPIURL string
	// EmailAPITimeout bounds a single send attempt.
	EmailAPITimeout time.Duration
	// DBPath locates the sqlite schedule store.
	DBPath string
	// RedisURL locates the dispatcher queue.
	RedisURL string
	// HTTPAddr is the listen address of the API surface.
	HTTPAddr string
	// TelemetryExporter selects metric export: "" (off), "stdout", or "otlp".
	TelemetryExporter string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BIRTHDAY_MESSAGE_HOUR", 9)
	v.SetDefault("QUEUE_MAX_RETRIES", 5)
	v.SetDefault("QUEUE_CONCURRENCY", 5)
	v.SetDefault("EMAIL_API_URL", mailer.DefaultEndpoint)
	v.SetDefault("EMAIL_API_TIMEOUT", 10000) // milliseconds
	v.SetDefault("CANDLE_DB_PATH", defaultDBPath())
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("CANDLE_TELEMETRY", "")

	cfg := &Config{
		MessageHour:       v.GetInt("BIRTHDAY_MESSAGE_HOUR"),
		MaxRetries:        v.GetInt("QUEUE_MAX_RETRIES"),
		Concurrency:       v.GetInt("QUEUE_CONCURRENCY"),
		EmailAPIURL:       v.GetString("EMAIL_API_URL"),
		EmailAPITimeout:   time.Duration(v.GetInt("EMAIL_API_TIMEOUT")) * time.Millisecond,
		DBPath:            v.GetString("CANDLE_DB_PATH"),
		RedisURL:          v.GetString("REDIS_URL"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		TelemetryExporter: v.GetString("CANDLE_TELEMETRY"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MessageHour < 0 || c.MessageHour > 23 {
		return fmt.Errorf("BIRTHDAY_MESSAGE_HOUR must be 0-23, got %d", c.MessageHour)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.EmailAPITimeout <= 0 {
		return fmt.Errorf("EMAIL_API_TIMEOUT must be positive")
	}
	switch c.TelemetryExporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("CANDLE_TELEMETRY must be empty, \"stdout\", or \"otlp\", got %q", c.TelemetryExporter)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "candle.db"
	}
	return filepath.Join(home, ".candle", "candle.db")
}
