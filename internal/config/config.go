// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor

	// Session lifecycle.
	IdleTimeout      time.Duration
	IdleSweepEvery   time.Duration
	ProvisionTimeout time.Duration
	WakeTimeout      time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration

	// Reminders.
	ReminderSweepEvery   time.Duration
	ReminderRetryBudget  int
	ReminderRetryBackoff time.Duration

	// Metering.
	ReservationGrace  time.Duration
	MessageCostCents  int64
	ReminderCostCents int64
	FreeTierCents     int64

	// Credit purchase webhook authentication.
	WebhookSecret string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/assistd.db"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),

		IdleTimeout:      getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		IdleSweepEvery:   getEnvDuration("IDLE_SWEEP_INTERVAL", time.Minute),
		ProvisionTimeout: getEnvDuration("PROVISION_TIMEOUT", 60*time.Second),
		WakeTimeout:      getEnvDuration("WAKE_TIMEOUT", 30*time.Second),
		RetryAttempts:    getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 2*time.Second),

		ReminderSweepEvery:   getEnvDuration("REMINDER_SWEEP_INTERVAL", 30*time.Second),
		ReminderRetryBudget:  getEnvInt("REMINDER_RETRY_BUDGET", 5),
		ReminderRetryBackoff: getEnvDuration("REMINDER_RETRY_BACKOFF", 2*time.Minute),

		ReservationGrace:  getEnvDuration("RESERVATION_GRACE", 10*time.Minute),
		MessageCostCents:  int64(getEnvInt("MESSAGE_COST_CENTS", 50)),
		ReminderCostCents: int64(getEnvInt("REMINDER_COST_CENTS", 10)),
		FreeTierCents:     int64(getEnvInt("FREE_TIER_CENTS", 500)),

		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be > 0")
	}
	if c.IdleSweepEvery <= 0 {
		return fmt.Errorf("IDLE_SWEEP_INTERVAL must be > 0")
	}
	if c.ReminderSweepEvery <= 0 {
		return fmt.Errorf("REMINDER_SWEEP_INTERVAL must be > 0")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be > 0")
	}
	if c.MessageCostCents <= 0 {
		return fmt.Errorf("MESSAGE_COST_CENTS must be > 0")
	}
	if c.ReminderCostCents <= 0 {
		return fmt.Errorf("REMINDER_COST_CENTS must be > 0")
	}
	if c.FreeTierCents < 0 {
		return fmt.Errorf("FREE_TIER_CENTS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
