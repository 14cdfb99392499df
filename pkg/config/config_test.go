package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "exports", cfg.ArchivePrefix)
	assert.Equal(t, 25.0, cfg.RateRPS)
	assert.Equal(t, 50, cfg.RateBurst)
	assert.Empty(t, cfg.DatabasePath)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_PATH", "/var/lib/datum/datum.db")
	t.Setenv("ARCHIVE_BACKEND", "s3")
	t.Setenv("ARCHIVE_BUCKET", "datum-exports")
	t.Setenv("RATE_RPS", "5.5")
	t.Setenv("RATE_BURST", "10")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/var/lib/datum/datum.db", cfg.DatabasePath)
	assert.Equal(t, "s3", cfg.ArchiveBackend)
	assert.Equal(t, "datum-exports", cfg.ArchiveBucket)
	assert.Equal(t, 5.5, cfg.RateRPS)
	assert.Equal(t, 10, cfg.RateBurst)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("RATE_RPS", "plenty")
	t.Setenv("RATE_BURST", "lots")

	cfg := Load()
	assert.Equal(t, 25.0, cfg.RateRPS)
	assert.Equal(t, 50, cfg.RateBurst)
}
