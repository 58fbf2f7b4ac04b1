// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Storage
	FilesPathTemplate string        // local backend template when a row sets none
	RemoteTimeout     time.Duration // remote backend timeout when a row sets none
	DefaultInstance   string        // gets a local default storage at startup if it has none

	// Uploads
	MaxUploadSize int64

	// Retention cleanup
	CleanupEnabled         bool
	CleanupRetentionMonths int
	CleanupInterval        time.Duration
	CleanupEarliestCutoff  time.Time
	CleanupPageSize        int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:             envOr("LISTEN_ADDR", ":6000"),
		MetricsAddr:            envOr("METRICS_ADDR", ":9090"),
		LogLevel:               envOr("LOG_LEVEL", "info"),
		LogFormat:              envOr("LOG_FORMAT", "json"),
		DatabaseURL:            envOr("DATABASE_URL", ""),
		FilesPathTemplate:      envOr("FILES_PATH_TEMPLATE", "/data/files/:instance/:type/:id"),
		RemoteTimeout:          time.Duration(envInt64("REMOTE_STORAGE_TIMEOUT_MS", 10000)) * time.Millisecond,
		DefaultInstance:        envOr("DEFAULT_INSTANCE", ""),
		MaxUploadSize:          envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		CleanupEnabled:         envBool("FILES_CLEANUP_ENABLED", true),
		CleanupRetentionMonths: envInt("FILES_CLEANUP_RETENTION_MONTHS", 6),
		CleanupInterval:        envHours("FILES_CLEANUP_INTERVAL_HOURS", 24),
		CleanupPageSize:        envInt("FILES_CLEANUP_PAGE_SIZE", 200),
	}

	if cfg.CleanupRetentionMonths <= 0 {
		cfg.CleanupRetentionMonths = 6
	}
	if cfg.CleanupPageSize <= 0 {
		cfg.CleanupPageSize = 200
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}

	cutoff, err := envDate("FILES_CLEANUP_EARLIEST_CUTOFF", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	cfg.CleanupEarliestCutoff = cutoff

	return cfg, nil
}

// Validate checks settings that depend on how the server runs.
func (c *Config) Validate(inMemory bool) error {
	if !inMemory && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envHours parses a possibly fractional number of hours. Non-positive or
// malformed values fall back.
func envHours(key string, fallback float64) time.Duration {
	h := fallback
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			h = f
		}
	}
	return time.Duration(h * float64(time.Hour))
}

func envDate(key string, fallback time.Time) (time.Time, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected YYYY-MM-DD: %w", key, err)
	}
	return t, nil
}
