package config

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// EnforcementMode decides whether abuse mitigations block the request or
// only record a risk event. Modeled as an explicit enum so the active policy
// is auditable instead of a boolean scattered through call sites.
type EnforcementMode string

const (
	ModeEnforce EnforcementMode = "enforce"
	ModeDetect  EnforcementMode = "detect"
)

// Config carries all runtime settings, parsed once at startup.
type Config struct {
	Port string

	// Abuse mitigation policy
	Enforcement        EnforcementMode
	DefaultDeviceCap   int
	IPDeviceLimit24h   int
	UserDeviceLimit24h int
	// Associations created inside one window before churn is flagged.
	ChurnThreshold int

	// Billing
	StripeSecretKey     string
	StripeWebhookSecret string
	FrontendURL         string

	// Auth
	JWTSecret      string
	AdminToken     string
	AdminTokenHash string // bcrypt hash, takes precedence over AdminToken

	RedisAddr string
}

// GetEnv gets an environment variable or returns a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt parses an integer environment variable, falling back on the
// default when unset or malformed.
func GetEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("config: ignoring invalid %s=%q", key, raw)
		return defaultValue
	}
	return v
}

// Load reads the full configuration from the environment.
func Load() *Config {
	mode := EnforcementMode(GetEnv("ENFORCEMENT_MODE", string(ModeEnforce)))
	if mode != ModeEnforce && mode != ModeDetect {
		log.Warnf("config: unknown ENFORCEMENT_MODE %q, using enforce", mode)
		mode = ModeEnforce
	}

	return &Config{
		Port:                GetEnv("PORT", "8080"),
		Enforcement:         mode,
		DefaultDeviceCap:    GetEnvInt("DEFAULT_DEVICE_CAP", 3),
		IPDeviceLimit24h:    GetEnvInt("IP_DEVICE_LIMIT_24H", 10),
		UserDeviceLimit24h:  GetEnvInt("USER_DEVICE_LIMIT_24H", 5),
		ChurnThreshold:      GetEnvInt("CHURN_THRESHOLD", 4),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		FrontendURL:         GetEnv("FRONTEND_URL", "http://localhost:3000"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		AdminTokenHash:      os.Getenv("ADMIN_TOKEN_HASH"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
	}
}

// Enforcing reports whether policy breaches should reject the request.
func (c *Config) Enforcing() bool {
	return c.Enforcement == ModeEnforce
}
