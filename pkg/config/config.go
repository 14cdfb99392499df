// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the sqlite file backing plans, profiles, and the
	// audit chain. Empty selects the in-memory stores.
	DatabasePath string

	// RedisURL backs the idempotency cache when set. PostgresURL takes
	// precedence and selects the durable cache instead.
	RedisURL    string
	PostgresURL string

	// JWTSecret signs and verifies API bearer tokens. Empty disables
	// authentication entirely, which the middleware treats as fail closed.
	JWTSecret string

	// ArchiveBucket and ArchivePrefix select the export archive target.
	// ArchiveBackend is "s3", "gcs", or "" for in-memory.
	ArchiveBackend string
	ArchiveBucket  string
	ArchivePrefix  string

	// RateRPS and RateBurst bound per-client request rates.
	RateRPS   float64
	RateBurst int

	// OTLPEndpoint enables trace and metric export when set.
	OTLPEndpoint string
}

// Load reads configuration from environment variables with development
// defaults.
func Load() *Config {
	return &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabasePath:   os.Getenv("DATABASE_PATH"),
		RedisURL:       os.Getenv("REDIS_URL"),
		PostgresURL:    os.Getenv("POSTGRES_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		ArchiveBackend: os.Getenv("ARCHIVE_BACKEND"),
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:  envOr("ARCHIVE_PREFIX", "exports"),
		RateRPS:        envFloat("RATE_RPS", 25),
		RateBurst:      envInt("RATE_BURST", 50),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
