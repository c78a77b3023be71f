package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the gateway.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Media     MediaConfig
	Gateway   GatewayConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MigrationsPath string
}

// RedisConfig configures the distributed rate limiter, idempotency
// cache, and conversation state store. Empty URL means those
// components fall back to their in-process implementations — fine for
// a single replica, not for a horizontally scaled deployment.
type RedisConfig struct {
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// For the built-in API key provider
	APIKeyHeader string
	// For future enterprise SSO providers
	OIDCIssuer   string
	OIDCAudience string
}

// MediaConfig configures the receipt-media object store and the OCR
// enqueue target.
type MediaConfig struct {
	S3Bucket       string
	S3Endpoint     string
	S3Region       string
	NATSURL        string
	OCRSubject     string
}

// GatewayConfig holds the commerce-gateway behavioral knobs from
// SPEC_FULL.md's configuration table.
type GatewayConfig struct {
	// HighValueThresholdCents is the default escalation threshold for
	// tenants that don't configure their own (models.Tenant.HighValueThreshold
	// or EscalationRule overrides this per tenant).
	HighValueThresholdCents int64

	// WebhookVerifyToken is the hub.verify_token every GET handshake is
	// compared against. ChannelBinding.VerifyToken is not consulted.
	WebhookVerifyToken string

	// WAAppSecret / IGAppSecret are fallback HMAC app secrets, used for
	// any channel binding that carries no AppSecret of its own.
	WAAppSecret string
	IGAppSecret string

	OTPTTLSeconds      int
	SessionTTLSeconds  int
	EventBudgetSeconds int

	// DebugExposeOTP, when true, makes the admin escalation-OTP request
	// return the plaintext code in its JSON response. The buyer's
	// registration code is sent in the bot's reply regardless of this
	// flag. Only ever set true in local/dev environments.
	DebugExposeOTP bool

	// DefaultTenantID names the tenant seeded at boot when no tenant with
	// this ID exists yet, so a fresh checkout has something to send
	// webhooks at.
	DefaultTenantID string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("GATEWAY_PORT", 8080),
		Version: envStr("GATEWAY_VERSION", "0.3.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			MigrationsPath: envStr("DATABASE_MIGRATIONS_PATH", "internal/db/migrations"),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "commerce-gateway"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
			OIDCIssuer:   envStr("AUTH_OIDC_ISSUER", ""),
			OIDCAudience: envStr("AUTH_OIDC_AUDIENCE", ""),
		},
		Media: MediaConfig{
			S3Bucket:   envStr("S3_BUCKET", ""),
			S3Endpoint: envStr("S3_ENDPOINT", ""),
			S3Region:   envStr("S3_REGION", "us-east-1"),
			NATSURL:    envStr("OCR_QUEUE_URL", "nats://localhost:4222"),
			OCRSubject: envStr("OCR_QUEUE_SUBJECT", "gateway.receipts.ocr"),
		},
		Gateway: GatewayConfig{
			HighValueThresholdCents: int64(envInt("HIGH_VALUE_THRESHOLD", 1000000)),
			WebhookVerifyToken:      envStr("WEBHOOK_VERIFY_TOKEN", "dev-verify-token"),
			WAAppSecret:             envStr("WA_APP_SECRET", ""),
			IGAppSecret:             envStr("IG_APP_SECRET", ""),
			OTPTTLSeconds:           envInt("OTP_TTL_SECONDS", 300),
			SessionTTLSeconds:       envInt("SESSION_TTL_SECONDS", 1800),
			EventBudgetSeconds:      envInt("EVENT_BUDGET_SECONDS", 20),
			DebugExposeOTP:          envBool("DEBUG_EXPOSE_OTP", false),
			DefaultTenantID:         envStr("DEFAULT_TENANT_ID", "t_default"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
