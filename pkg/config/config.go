package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBUrl          string
	RedisURL       string
	RedisPassword  string
	JWTSecret      string
	Port           string
	Host           string
	Env            string
	LogLevel       string
	AllowedOrigins []string

	MinDepositUSD   decimal.Decimal
	GatewayTimeout  time.Duration
	DisplayCurrency string
	MarkupPercent   decimal.Decimal

	SweepInterval       time.Duration
	StalePendingAfter   time.Duration
	ReconcileMaxRetries int

	WebhookRateLimit float64
	WebhookBurst     int

	Paystack  GatewayConfig
	Cryptomus GatewayConfig
	CryptoBot GatewayConfig
}

// GatewayConfig holds credentials and reconciliation policy for one provider.
// A gateway is enabled only when its credentials are present.
type GatewayConfig struct {
	Enabled        bool
	MerchantID     string
	Secret         string
	BaseURL        string
	TrustSignature bool
	OrphanMode     string
}

func LoadConfig() Config {
	godotenv.Load()

	return Config{
		DBUrl:          getEnv("DATABASE_URL"),
		RedisURL:       getEnv("REDIS_URL"),
		RedisPassword:  getEnvDefault("REDIS_PASSWORD", ""),
		JWTSecret:      getEnv("JWT_SECRET"),
		Port:           getEnv("PORT"),
		Host:           getEnv("HOST"),
		Env:            getEnv("ENV"),
		LogLevel:       getEnvDefault("LOG_LEVEL", "info"),
		AllowedOrigins: splitList(getEnvDefault("ALLOWED_ORIGINS", "*")),

		MinDepositUSD:   getDecimal("MIN_DEPOSIT_USD", "1.00"),
		GatewayTimeout:  getDuration("GATEWAY_TIMEOUT", 10*time.Second),
		DisplayCurrency: strings.ToUpper(getEnvDefault("DISPLAY_CURRENCY", "RUB")),
		MarkupPercent:   getDecimal("MARKUP_PERCENT", "0"),

		SweepInterval:       getDuration("SWEEP_INTERVAL", 5*time.Minute),
		StalePendingAfter:   getDuration("STALE_PENDING_AFTER", 30*time.Minute),
		ReconcileMaxRetries: getInt("RECONCILE_MAX_RETRIES", 3),

		WebhookRateLimit: getFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookBurst:     getInt("WEBHOOK_BURST", 40),

		Paystack:  loadGateway("PAYSTACK", getEnvDefault("PAYSTACK_SECRET", ""), ""),
		Cryptomus: loadGateway("CRYPTOMUS", getEnvDefault("CRYPTOMUS_API_KEY", ""), getEnvDefault("CRYPTOMUS_MERCHANT_ID", "")),
		CryptoBot: loadGateway("CRYPTOBOT", getEnvDefault("CRYPTOBOT_TOKEN", ""), ""),
	}
}

func loadGateway(prefix, secret, merchantID string) GatewayConfig {
	return GatewayConfig{
		Enabled:        secret != "",
		MerchantID:     merchantID,
		Secret:         secret,
		BaseURL:        getEnvDefault(prefix+"_BASE_URL", ""),
		TrustSignature: getBool(prefix+"_TRUST_SIGNATURE", false),
		OrphanMode:     getEnvDefault(prefix+"_ORPHAN_MODE", "fail_closed"),
	}
}

func getEnv(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	panic(fmt.Sprintf("%s is required", key))
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		panic(fmt.Sprintf("%s must be a valid integer", key))
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		panic(fmt.Sprintf("%s must be a valid number", key))
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		panic(fmt.Sprintf("%s must be true or false", key))
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("%s must be a duration like 30s or 5m", key))
	}
	if v <= 0 {
		panic(fmt.Sprintf("%s must be greater than zero", key))
	}
	return v
}

func getDecimal(key, fallback string) decimal.Decimal {
	v, err := decimal.NewFromString(getEnvDefault(key, fallback))
	if err != nil {
		panic(fmt.Sprintf("%s must be a decimal amount", key))
	}
	return v
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
