package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Key-value store (accounts, tokens, idempotency, rate windows)
	RedisAddr string

	// Secrets
	SessionSecret string
	AdminSecret   string

	// Provider
	GeminiAPIKey    string
	GeminiBaseURL   string        // default: https://generativelanguage.googleapis.com/v1beta
	ProviderTimeout time.Duration // default: 120s

	// Pricing
	PricingFile string // optional YAML override of the built-in table

	// Sessions
	SessionTTL time.Duration // default: 12h
	BindDevice bool          // default: true

	// Rate Limiting
	RateLimitPerMinute int64  // requests per user per minute, default: 20
	RateLimitStrategy  string // "fixed" or "sliding"

	// Idempotency
	IdempotencyTTL time.Duration // default: 6h

	// Usage history
	UsageQueueSize int // default: 1024

	// Development
	RunSeed bool // default: false

	// Observability
	LogLevel             string // default: info
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SessionSecret:        os.Getenv("SESSION_SECRET"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:        getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		RateLimitStrategy:    strings.ToLower(getEnv("RATE_LIMIT_STRATEGY", "fixed")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.ProviderTimeout, err = getDuration("PROVIDER_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 12*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 6*time.Hour); err != nil {
		return nil, err
	}

	rpmStr := getEnv("RATE_LIMIT_PER_MINUTE", "20")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}
	cfg.RateLimitPerMinute = rpm

	queueStr := getEnv("USAGE_QUEUE_SIZE", "1024")
	queueSize, err := strconv.Atoi(queueStr)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_QUEUE_SIZE: %w", err)
	}
	cfg.UsageQueueSize = queueSize

	bindStr := getEnv("BIND_DEVICE", "true")
	cfg.BindDevice, err = strconv.ParseBool(bindStr)
	if err != nil {
		return nil, fmt.Errorf("invalid BIND_DEVICE: %w", err)
	}

	cfg.RunSeed, err = strconv.ParseBool(getEnv("RUN_SEED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_SEED: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.RateLimitStrategy != "fixed" && c.RateLimitStrategy != "sliding" {
		return fmt.Errorf("RATE_LIMIT_STRATEGY must be fixed or sliding, got %q", c.RateLimitStrategy)
	}
	if c.UsageQueueSize <= 0 {
		return fmt.Errorf("USAGE_QUEUE_SIZE must be positive, got %d", c.UsageQueueSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
