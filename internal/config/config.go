// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	RateLimit      RateLimitConfig
	Unfurl         UnfurlConfig
	Hub            HubConfig
	Redis          RedisConfig
}

// RateLimitConfig sets the fixed-window policies.
type RateLimitConfig struct {
	MessagesPerMinute int
	KeysPerHour       int
	UnfurlPerMinute   int
	SweepInterval     time.Duration
}

// UnfurlConfig controls link preview fetching.
type UnfurlConfig struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	MaxBytes int64
}

// HubConfig controls per-socket delivery.
type HubConfig struct {
	SendQueueSize    int
	WriteTimeout     time.Duration
	BroadcastTimeout time.Duration
}

// RedisConfig enables cross-process fan-out when Addr is set.
type RedisConfig struct {
	Addr    string
	Channel string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "")),
		DBPath:         getEnv("DB_PATH", "./data/agentroom.db"),
		RateLimit: RateLimitConfig{
			MessagesPerMinute: getEnvInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 60),
			KeysPerHour:       getEnvInt("RATE_LIMIT_KEYS_PER_HOUR", 10),
			UnfurlPerMinute:   getEnvInt("RATE_LIMIT_UNFURL_PER_MINUTE", 10),
			SweepInterval:     getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
		},
		Unfurl: UnfurlConfig{
			Timeout:  getEnvDuration("UNFURL_TIMEOUT", 5*time.Second),
			CacheTTL: getEnvDuration("UNFURL_CACHE_TTL", 24*time.Hour),
			MaxBytes: int64(getEnvInt("UNFURL_MAX_BYTES", 1<<20)),
		},
		Hub: HubConfig{
			SendQueueSize:    getEnvInt("HUB_SEND_QUEUE_SIZE", 64),
			WriteTimeout:     getEnvDuration("HUB_WRITE_TIMEOUT", 10*time.Second),
			BroadcastTimeout: getEnvDuration("HUB_BROADCAST_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", ""),
			Channel: getEnv("REDIS_CHANNEL", "agentroom:broadcast"),
		},
	}

	if len(cfg.AllowedOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.AllowedOrigins = []string{cfg.FrontendURL}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RateLimit.MessagesPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_MESSAGES_PER_MINUTE must be > 0")
	}
	if c.RateLimit.KeysPerHour <= 0 {
		return fmt.Errorf("RATE_LIMIT_KEYS_PER_HOUR must be > 0")
	}
	if c.RateLimit.UnfurlPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_UNFURL_PER_MINUTE must be > 0")
	}
	if c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("RATE_LIMIT_SWEEP_INTERVAL must be > 0")
	}
	if c.Unfurl.Timeout <= 0 || c.Unfurl.CacheTTL <= 0 || c.Unfurl.MaxBytes <= 0 {
		return fmt.Errorf("UNFURL_TIMEOUT, UNFURL_CACHE_TTL and UNFURL_MAX_BYTES must be > 0")
	}
	if c.Hub.SendQueueSize <= 0 {
		return fmt.Errorf("HUB_SEND_QUEUE_SIZE must be > 0")
	}
	if c.Hub.WriteTimeout <= 0 || c.Hub.BroadcastTimeout <= 0 {
		return fmt.Errorf("HUB_WRITE_TIMEOUT and HUB_BROADCAST_TIMEOUT must be > 0")
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return fmt.Errorf("REDIS_CHANNEL cannot be empty when REDIS_ADDR is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
