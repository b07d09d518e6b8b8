package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("FRONTEND_URL", "http://localhost:5173")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("expected port 9000, got %s", cfg.Port)
	}
	if cfg.RateLimit.MessagesPerMinute != 60 || cfg.RateLimit.KeysPerHour != 10 || cfg.RateLimit.UnfurlPerMinute != 10 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Unfurl.CacheTTL != 24*time.Hour {
		t.Errorf("expected 24h unfurl TTL, got %s", cfg.Unfurl.CacheTTL)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("expected origins to fall back to FRONTEND_URL, got %v", cfg.AllowedOrigins)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected localhost frontend to be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("HUB_WRITE_TIMEOUT", "3s")
	t.Setenv("RATE_LIMIT_MESSAGES_PER_MINUTE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Hub.WriteTimeout != 3*time.Second {
		t.Errorf("expected 3s write timeout, got %s", cfg.Hub.WriteTimeout)
	}
	if cfg.RateLimit.MessagesPerMinute != 60 {
		t.Errorf("expected invalid int to fall back to 60, got %d", cfg.RateLimit.MessagesPerMinute)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("HUB_SEND_QUEUE_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero queue size")
	}
}

func TestValidateRedisChannel(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_CHANNEL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for empty redis channel")
	}
}
