// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/money"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Backing services. Empty URLs select in-memory fallbacks.
	DatabaseURL string
	RedisURL    string

	// Escrow terms
	DepositPct     float64
	MinDeposit     money.Amount
	MaxDeposit     money.Amount
	PlatformFeePct float64

	// Account disputes
	DisputeAutoUnblock   time.Duration
	DisputeSweepInterval time.Duration

	// Premium access
	PremiumFastTiers    []domain.Tier
	PremiumBlockedTiers []domain.Tier

	// Notifications are queued through Redis when enabled and RedisURL is set.
	NotifyQueue bool

	// StripeWebhookSecret verifies payment webhooks. Empty disables
	// signature checks and is refused in production.
	StripeWebhookSecret string

	CORSOrigins        []string
	RateLimitPerMinute int

	OTLPEndpoint string
	AdminSecret  string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultDepositPct           = 0.10
	DefaultMinDeposit           = "500"
	DefaultMaxDeposit           = "10000"
	DefaultPlatformFeePct       = 0.05
	DefaultDisputeAutoUnblock   = 24 * time.Hour
	DefaultDisputeSweepInterval = time.Hour
	DefaultPremiumFastTiers     = "pro,enterprise"
	DefaultPremiumBlockedTiers  = "broker"
	DefaultCORSOrigins          = "*"
	DefaultRateLimitPerMinute   = 120
)

// Load reads configuration from environment variables, after loading a .env
// file if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	minDeposit, err := money.Parse(getEnv("MIN_DEPOSIT", DefaultMinDeposit))
	if err != nil {
		return nil, fmt.Errorf("MIN_DEPOSIT: %w", err)
	}
	maxDeposit, err := money.Parse(getEnv("MAX_DEPOSIT", DefaultMaxDeposit))
	if err != nil {
		return nil, fmt.Errorf("MAX_DEPOSIT: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		DepositPct:           getEnvFloat("DEPOSIT_PCT", DefaultDepositPct),
		MinDeposit:           minDeposit,
		MaxDeposit:           maxDeposit,
		PlatformFeePct:       getEnvFloat("PLATFORM_FEE_PCT", DefaultPlatformFeePct),
		DisputeAutoUnblock:   getEnvDuration("DISPUTE_AUTO_UNBLOCK", DefaultDisputeAutoUnblock),
		DisputeSweepInterval: getEnvDuration("DISPUTE_SWEEP_INTERVAL", DefaultDisputeSweepInterval),
		PremiumFastTiers:     parseTiers(getEnv("PREMIUM_FAST_TIERS", DefaultPremiumFastTiers)),
		PremiumBlockedTiers:  parseTiers(getEnv("PREMIUM_BLOCKED_TIERS", DefaultPremiumBlockedTiers)),
		NotifyQueue:          getEnvBool("NOTIFY_QUEUE", true),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CORSOrigins:          splitList(getEnv("CORS_ORIGINS", DefaultCORSOrigins)),
		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DepositPct <= 0 || c.DepositPct > 1 {
		return fmt.Errorf("DEPOSIT_PCT must be in (0, 1], got %v", c.DepositPct)
	}
	if c.PlatformFeePct < 0 || c.PlatformFeePct >= 1 {
		return fmt.Errorf("PLATFORM_FEE_PCT must be in [0, 1), got %v", c.PlatformFeePct)
	}
	if c.MinDeposit < 0 || c.MaxDeposit < c.MinDeposit {
		return fmt.Errorf("MIN_DEPOSIT (%s) must be non-negative and not exceed MAX_DEPOSIT (%s)",
			c.MinDeposit, c.MaxDeposit)
	}
	if c.DisputeAutoUnblock <= 0 {
		return fmt.Errorf("DISPUTE_AUTO_UNBLOCK must be positive")
	}
	if c.DisputeSweepInterval <= 0 {
		return fmt.Errorf("DISPUTE_SWEEP_INTERVAL must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	for _, tier := range c.PremiumFastTiers {
		for _, blocked := range c.PremiumBlockedTiers {
			if tier == blocked {
				return fmt.Errorf("tier %q is both a premium fast-path tier and blocked", tier)
			}
		}
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseTiers(s string) []domain.Tier {
	var out []domain.Tier
	for _, part := range splitList(s) {
		out = append(out, domain.Tier(part))
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
