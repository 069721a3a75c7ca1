package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Load loads configuration from a file path and applies environment variable overrides.
// Validation is deferred to allow CLI flag overrides to be applied first.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile decodes a JSON file over the defaults already in cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from environment variables
func applyEnvironmentOverrides(cfg *Config) error {
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SYNC_STORAGE"); v != "" {
		cfg.Storage = v
	}

	if v := os.Getenv("JWT_HS256_SECRET"); v != "" {
		cfg.Auth.HS256Secret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("SYNC_DEV_MODE"); v == "true" || v == "1" {
		cfg.Auth.DevMode = true
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SYNC_PARALLELISM", &cfg.Sync.Parallelism},
		{"SYNC_PAGE_SIZE", &cfg.Sync.PageSize},
		{"SYNC_MAX_PAGE_SIZE", &cfg.Sync.MaxPageSize},
		{"SYNC_MAX_BATCH", &cfg.Sync.MaxBatch},
		{"SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries},
		{"SYNC_RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimit.MaxRequests},
		{"SYNC_RATE_LIMIT_BURST", &cfg.RateLimit.Burst},
		{"SYNC_DB_CONNECT_ATTEMPTS", &cfg.DB.ConnectAttempts},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidSyncConfig, e.key, v)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"SYNC_SESSION_TIMEOUT", &cfg.Sync.SessionTimeout},
		{"SYNC_TOMBSTONE_RETENTION", &cfg.Sync.TombstoneRetention},
		{"SYNC_PURGE_INTERVAL", &cfg.Sync.PurgeInterval},
		{"SYNC_DB_STATEMENT_TIMEOUT", &cfg.DB.StatementTimeout},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSyncConfig, e.key, err)
		}
		*e.dst = Duration(d)
	}
	return nil
}
