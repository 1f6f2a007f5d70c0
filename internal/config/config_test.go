package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/money"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 0.10, cfg.DepositPct)
	assert.Equal(t, money.FromUnits(500), cfg.MinDeposit)
	assert.Equal(t, money.FromUnits(10000), cfg.MaxDeposit)
	assert.Equal(t, 0.05, cfg.PlatformFeePct)
	assert.Equal(t, 24*time.Hour, cfg.DisputeAutoUnblock)
	assert.Equal(t, time.Hour, cfg.DisputeSweepInterval)
	assert.Equal(t, []domain.Tier{domain.TierPro, domain.TierEnterprise}, cfg.PremiumFastTiers)
	assert.Equal(t, []domain.Tier{domain.TierBroker}, cfg.PremiumBlockedTiers)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEPOSIT_PCT", "0.2")
	t.Setenv("MIN_DEPOSIT", "1000.50")
	t.Setenv("DISPUTE_AUTO_UNBLOCK", "48h")
	t.Setenv("PREMIUM_FAST_TIERS", " enterprise ")
	t.Setenv("NOTIFY_QUEUE", "false")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.2, cfg.DepositPct)
	assert.Equal(t, money.Amount(100050), cfg.MinDeposit)
	assert.Equal(t, 48*time.Hour, cfg.DisputeAutoUnblock)
	assert.Equal(t, []domain.Tier{domain.TierEnterprise}, cfg.PremiumFastTiers)
	assert.False(t, cfg.NotifyQueue)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoad_InvalidMoney(t *testing.T) {
	t.Setenv("MAX_DEPOSIT", "ten thousand")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_DEPOSIT")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:                  "development",
			LogFormat:            "json",
			DepositPct:           0.1,
			MinDeposit:           money.FromUnits(500),
			MaxDeposit:           money.FromUnits(10000),
			PlatformFeePct:       0.05,
			DisputeAutoUnblock:   24 * time.Hour,
			DisputeSweepInterval: time.Hour,
			PremiumFastTiers:     []domain.Tier{domain.TierPro},
			PremiumBlockedTiers:  []domain.Tier{domain.TierBroker},
			RateLimitPerMinute:   60,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero deposit pct", func(c *Config) { c.DepositPct = 0 }, "DEPOSIT_PCT"},
		{"fee of one", func(c *Config) { c.PlatformFeePct = 1 }, "PLATFORM_FEE_PCT"},
		{"min above max", func(c *Config) { c.MinDeposit = money.FromUnits(20000) }, "MIN_DEPOSIT"},
		{"zero unblock window", func(c *Config) { c.DisputeAutoUnblock = 0 }, "DISPUTE_AUTO_UNBLOCK"},
		{"zero sweep interval", func(c *Config) { c.DisputeSweepInterval = 0 }, "DISPUTE_SWEEP_INTERVAL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"tier fast and blocked", func(c *Config) {
			c.PremiumBlockedTiers = append(c.PremiumBlockedTiers, domain.TierPro)
		}, "both"},
		{"production without database", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s3cret"
		}, "DATABASE_URL"},
		{"production without admin secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/authorityx"
		}, "ADMIN_SECRET"},
		{"production without webhook secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/authorityx"
			c.AdminSecret = "s3cret"
		}, "STRIPE_WEBHOOK_SECRET"},
		{"zero rate limit", func(c *Config) { c.RateLimitPerMinute = 0 }, "RATE_LIMIT_PER_MINUTE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
