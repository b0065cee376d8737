// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Money
	Currency      string // ISO currency code for creator balances, e.g. "INR"
	MinWithdrawal int64  // Minimum withdrawal amount in minor units

	// Payment gateway
	PaymentBaseURL       string // Gateway API base URL
	PaymentKeyID         string
	PaymentKeySecret     string // Signs checkout signatures (orderId|paymentId)
	PaymentWebhookSecret string // Signs server-to-server webhook payloads

	// Free trial package credited on first brand wallet access ("" = disabled)
	TrialPackageID string

	// Notifications (fire-and-forget webhook sink, optional)
	NotifyURL    string
	NotifySecret string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrency      = "INR"
	DefaultMinWithdrawal = 50000 // 500.00 in minor units
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		MinWithdrawal:        getEnvInt64("MIN_WITHDRAWAL", DefaultMinWithdrawal),
		PaymentBaseURL:       getEnv("PAYMENT_BASE_URL", "https://api.gateway.example"),
		PaymentKeyID:         os.Getenv("PAYMENT_KEY_ID"),
		PaymentKeySecret:     os.Getenv("PAYMENT_KEY_SECRET"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		TrialPackageID:       os.Getenv("TRIAL_PACKAGE_ID"),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaymentKeySecret == "" {
		return fmt.Errorf("PAYMENT_KEY_SECRET is required")
	}
	if c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}
	if c.MinWithdrawal < 0 {
		return fmt.Errorf("MIN_WITHDRAWAL must not be negative")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
