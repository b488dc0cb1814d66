package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SESSION_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.RateLimitPerMinute != 20 {
		t.Errorf("Expected 20 requests per minute, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.RateLimitStrategy != "fixed" {
		t.Errorf("Expected fixed strategy, got %s", cfg.RateLimitStrategy)
	}
	if cfg.IdempotencyTTL != 6*time.Hour {
		t.Errorf("Expected 6h idempotency ttl, got %s", cfg.IdempotencyTTL)
	}
	if cfg.SessionTTL != 12*time.Hour {
		t.Errorf("Expected 12h session ttl, got %s", cfg.SessionTTL)
	}
	if !cfg.BindDevice {
		t.Errorf("Expected device binding on by default")
	}
	if cfg.RunSeed {
		t.Errorf("Expected seeding off by default")
	}
}

func TestLoad_RunSeed(t *testing.T) {
	setRequired(t)
	t.Setenv("RUN_SEED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.RunSeed {
		t.Errorf("Expected RUN_SEED=true to enable seeding")
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when SESSION_SECRET is empty")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"RATE_LIMIT_PER_MINUTE": "lots",
		"PROVIDER_TIMEOUT":      "soon",
		"BIND_DEVICE":           "maybe",
		"RUN_SEED":              "sometimes",
		"RATE_LIMIT_STRATEGY":   "leaky",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Expected error for %s=%s", key, value)
			}
		})
	}
}
