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
	RedisURL    string // Redis connection string (optional, rate limiting falls back to in-memory)

	// Marketplace settings
	PlatformFeeRatePercent float64 // Percentage taken from each engagement (e.g., 15)
	OfferExpirationHours   int     // Hours before a pending offer expires
	MaxCounterDepth        int     // Maximum counter-offer rounds per thread
	SweepIntervalSeconds   int     // Expiration sweeper tick interval

	// Payment provider
	StripeSecretKey     string // Required in production
	StripeWebhookSecret string // Required to verify inbound webhook signatures
	ProviderTimeoutMs   int    // Per-call timeout for provider requests
	ProviderRetryMax    int    // Maximum attempts for retryable provider failures

	// Outbound notifications
	NotifySigningSecret string // HMAC secret for signing outbound notifications (optional)

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultFeeRatePercent       = 15.0
	DefaultOfferExpirationHours = 48
	DefaultMaxCounterDepth      = 5
	DefaultSweepIntervalSeconds = 60
	DefaultProviderTimeoutMs    = 10000
	DefaultProviderRetryMax     = 3
	DefaultRateLimit            = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:               os.Getenv("REDIS_URL"),
		PlatformFeeRatePercent: getEnvFloat64("PLATFORM_FEE_RATE_PERCENT", DefaultFeeRatePercent),
		OfferExpirationHours:   int(getEnvInt64("OFFER_EXPIRATION_HOURS", DefaultOfferExpirationHours)),
		MaxCounterDepth:        int(getEnvInt64("MAX_COUNTER_DEPTH", DefaultMaxCounterDepth)),
		SweepIntervalSeconds:   int(getEnvInt64("SWEEP_INTERVAL_SECONDS", DefaultSweepIntervalSeconds)),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProviderTimeoutMs:      int(getEnvInt64("PROVIDER_TIMEOUT_MS", DefaultProviderTimeoutMs)),
		ProviderRetryMax:       int(getEnvInt64("PROVIDER_RETRY_MAX", DefaultProviderRetryMax)),
		NotifySigningSecret:    os.Getenv("NOTIFY_SIGNING_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeRatePercent < 0 || c.PlatformFeeRatePercent > 100 {
		return fmt.Errorf("PLATFORM_FEE_RATE_PERCENT must be between 0 and 100")
	}

	if c.OfferExpirationHours <= 0 {
		return fmt.Errorf("OFFER_EXPIRATION_HOURS must be positive")
	}

	if c.MaxCounterDepth < 1 {
		return fmt.Errorf("MAX_COUNTER_DEPTH must be at least 1")
	}

	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}

	if c.ProviderTimeoutMs <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT_MS must be positive")
	}

	if c.ProviderRetryMax < 1 {
		return fmt.Errorf("PROVIDER_RETRY_MAX must be at least 1")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
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

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
