package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Credential cipher. Either a raw base64 32-byte key, or a passphrase
	// plus salt for argon2id derivation.
	CipherKey        []byte
	CipherPassphrase string
	CipherSalt       string

	BrokerName    string
	BrokerBaseURL string
	FrontendURL   string

	// Coarse per-IP guard across the whole router, requests per minute.
	RateLimitRPM int
	// Sliding windows for the sensitive endpoints.
	SetupLimit    int
	SetupWindow   time.Duration
	RefreshLimit  int
	RefreshWindow time.Duration

	SweepInterval time.Duration

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		ServiceName:        getEnv("SERVICE_NAME", "broker-auth"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
		CipherPassphrase:   os.Getenv("TOKEN_CIPHER_PASSPHRASE"),
		CipherSalt:         os.Getenv("TOKEN_CIPHER_SALT"),
		BrokerName:         getEnv("BROKER_NAME", "zerodha"),
		BrokerBaseURL:      getEnv("BROKER_BASE_URL", "https://api.kite.trade"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		RateLimitRPM:       getInt("RATE_LIMIT_RPM", 600),
		SetupLimit:         getInt("SETUP_RATE_LIMIT", 10),
		SetupWindow:        getDuration("SETUP_RATE_WINDOW", 15*time.Minute),
		RefreshLimit:       getInt("REFRESH_RATE_LIMIT", 5),
		RefreshWindow:      getDuration("REFRESH_RATE_WINDOW", 5*time.Minute),
		SweepInterval:      getDuration("TOKEN_SWEEP_INTERVAL", 15*time.Minute),
		TelemetryEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", nil),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if raw := strings.TrimSpace(os.Getenv("TOKEN_CIPHER_KEY")); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("TOKEN_CIPHER_KEY must be base64: %w", err)
		}
		if len(key) != 32 {
			return Config{}, fmt.Errorf("TOKEN_CIPHER_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.CipherKey = key
	} else if cfg.CipherPassphrase == "" || len(cfg.CipherSalt) < 8 {
		return Config{}, fmt.Errorf("TOKEN_CIPHER_KEY or TOKEN_CIPHER_PASSPHRASE with TOKEN_CIPHER_SALT (>= 8 bytes) is required")
	}

	return cfg, nil
}

// BrokerDomain returns the host portion of the broker base URL, used when
// scoping the content security policy.
func (c Config) BrokerDomain() string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(c.BrokerBaseURL, "https://"), "http://")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
