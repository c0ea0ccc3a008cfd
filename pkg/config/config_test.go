package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/wallet")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "8080")
	t.Setenv("HOST", "http://localhost:8080")
	t.Setenv("ENV", "test")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg := LoadConfig()

	assert.Equal(t, "1", cfg.MinDepositUSD.String())
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "RUB", cfg.DisplayCurrency)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.False(t, cfg.Paystack.Enabled)
	assert.Equal(t, "fail_closed", cfg.Cryptomus.OrphanMode)
}

func TestLoadConfigGateways(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYSTACK_SECRET", "sk_test")
	t.Setenv("PAYSTACK_TRUST_SIGNATURE", "true")
	t.Setenv("CRYPTOMUS_API_KEY", "key")
	t.Setenv("CRYPTOMUS_MERCHANT_ID", "merchant")
	t.Setenv("CRYPTOMUS_ORPHAN_MODE", "open_completed")
	t.Setenv("MARKUP_PERCENT", "12.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := LoadConfig()

	require.True(t, cfg.Paystack.Enabled)
	assert.True(t, cfg.Paystack.TrustSignature)
	assert.Equal(t, "merchant", cfg.Cryptomus.MerchantID)
	assert.Equal(t, "open_completed", cfg.Cryptomus.OrphanMode)
	assert.False(t, cfg.CryptoBot.Enabled)
	assert.Equal(t, "12.5", cfg.MarkupPercent.String())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadConfigPanicsOnMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "")

	assert.PanicsWithValue(t, "JWT_SECRET is required", func() { LoadConfig() })
}

func TestLoadConfigPanicsOnBadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("SWEEP_INTERVAL", "often")

	assert.Panics(t, func() { LoadConfig() })
}

func TestLoadConfigPanicsOnNonPositiveDuration(t *testing.T) {
	for _, v := range []string{"0s", "-5m"} {
		setRequired(t)
		t.Setenv("SWEEP_INTERVAL", v)

		assert.PanicsWithValue(t, "SWEEP_INTERVAL must be greater than zero", func() { LoadConfig() }, v)
	}
}
