package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration, loaded once at startup.
type Config struct {
	Port string
	Env  string

	DatabaseURL string
	RedisURL    string
	SentryDSN   string

	// JWT signing material. PrivateKeyPEM is the RS256 signing key; the
	// secondary public key allows a validation overlap during rotation.
	JWTPrivateKeyPEM       string
	JWTKeyID               string
	JWTSecondaryPublicPEM  string
	JWTSecondaryKeyID      string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SSOSessionTTL   time.Duration
	PreAuthTokenTTL time.Duration

	LockoutThreshold int
	LockoutDuration  time.Duration

	DefaultRateLimit int

	// DebugMode echoes verification codes in API responses. Never enable
	// in production.
	DebugMode bool

	// AppEncryptionKey seals stored OAuth client secrets (base64, 32 bytes).
	AppEncryptionKey string

	UpstreamLLMURL  string
	UpstreamTimeout time.Duration

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
}

// Load reads configuration from environment variables with defaults.
// Callers are expected to have run godotenv.Load() first in development.
func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		JWTPrivateKeyPEM:      loadKeyMaterial("JWT_PRIVATE_KEY"),
		JWTKeyID:              getEnv("JWT_KEY_ID", "sig-1"),
		JWTSecondaryPublicPEM: loadKeyMaterial("JWT_SECONDARY_PUBLIC_KEY"),
		JWTSecondaryKeyID:     getEnv("JWT_SECONDARY_KEY_ID", ""),

		AccessTokenTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvAsDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		SSOSessionTTL:   getEnvAsDuration("SSO_SESSION_TTL", 24*time.Hour),
		PreAuthTokenTTL: getEnvAsDuration("PRE_AUTH_TOKEN_TTL", 5*time.Minute),

		LockoutThreshold: getEnvAsInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),

		DefaultRateLimit: getEnvAsInt("DEFAULT_RATE_LIMIT", 60),

		DebugMode: getEnvAsBool("DEBUG_MODE", false),

		AppEncryptionKey: os.Getenv("APP_ENCRYPTION_KEY"),

		UpstreamLLMURL:  os.Getenv("UPSTREAM_LLM_URL"),
		UpstreamTimeout: getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),

		SMTPHost: os.Getenv("SMTP_HOST"),
		SMTPPort: getEnvAsInt("SMTP_PORT", 587),
		SMTPUser: os.Getenv("SMTP_USER"),
		SMTPPass: os.Getenv("SMTP_PASS"),
		SMTPFrom: os.Getenv("SMTP_FROM"),
	}
}

// loadKeyMaterial reads PEM either inline from NAME or from the file named
// by NAME_FILE. Inline wins when both are set.
func loadKeyMaterial(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	path := os.Getenv(name + "_FILE")
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		// Accept bare seconds ("300") for operator convenience.
		if secs, err2 := strconv.Atoi(valStr); err2 == nil {
			return time.Duration(secs) * time.Second
		}
		return defaultVal
	}
	return val
}
