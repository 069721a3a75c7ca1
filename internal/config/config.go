// Package config loads the sync server configuration: defaults, then an
// optional JSON file, then environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all configuration for the sync server
type Config struct {
	Env         string `json:"env"` // "dev" enables console logging
	LogLevel    string `json:"logLevel"`
	HTTPAddr    string `json:"httpAddr"`
	Storage     string `json:"storage"`
	DatabaseURL string `json:"databaseUrl"`

	DB        DBConfig        `json:"db"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Sync      SyncConfig      `json:"sync"`

	Conflicts conflict.Policies `json:"conflicts"`
}

// DBConfig sizes the connection pool and tunes its sessions
type DBConfig struct {
	MaxConns         int32    `json:"maxConns"`
	MinConns         int32    `json:"minConns"`
	ApplicationName  string   `json:"applicationName"`
	StatementTimeout Duration `json:"statementTimeout"`
	ConnectAttempts  int      `json:"connectAttempts"`
}

// AuthConfig holds JWT settings
type AuthConfig struct {
	HS256Secret string `json:"hs256Secret"`
	Issuer      string `json:"issuer,omitempty"`
	Audience    string `json:"audience,omitempty"`
	DevMode     bool   `json:"devMode"` // enables X-Debug-Sub header fallback
}

// RateLimitConfig is the per-user request budget
type RateLimitConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

// SyncConfig tunes the orchestrator and the tombstone janitor
type SyncConfig struct {
	Parallelism        int      `json:"parallelism"`
	PageSize           int      `json:"pageSize"`
	MaxPageSize        int      `json:"maxPageSize"`
	MaxBatch           int      `json:"maxBatch"`
	MaxRetries         int      `json:"maxRetries"`
	SessionTimeout     Duration `json:"sessionTimeout"`
	TombstoneRetention Duration `json:"tombstoneRetention"`
	PurgeInterval      Duration `json:"purgeInterval"` // 0 disables the janitor
}

// Duration is a time.Duration written as "30m" in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Env:      "dev",
		LogLevel: "info",
		HTTPAddr: ":8081",
		Storage:  StoragePostgres,
		DB: DBConfig{
			MaxConns:         10,
			MinConns:         2,
			ApplicationName:  "syncd",
			StatementTimeout: Duration(30 * time.Second),
			ConnectAttempts:  5,
		},
		Auth: AuthConfig{
			HS256Secret: "dev-secret-change-in-production",
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   600,
			Burst:         120,
		},
		Sync: SyncConfig{
			Parallelism:        8,
			PageSize:           500,
			MaxPageSize:        1000,
			MaxBatch:           1000,
			MaxRetries:         4,
			SessionTimeout:     Duration(30 * time.Minute),
			TombstoneRetention: Duration(30 * 24 * time.Hour),
			PurgeInterval:      Duration(time.Hour),
		},
		Conflicts: conflict.DefaultPolicies(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	case StorageMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorage, c.Storage)
	}

	if c.Auth.HS256Secret == "" && !c.Auth.DevMode {
		return ErrMissingJWTSecret
	}
	if c.Env != "dev" && c.Auth.DevMode {
		return ErrDevModeInProduction
	}

	if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.MaxRequests <= 0 || c.RateLimit.Burst <= 0 {
		return ErrInvalidRateLimit
	}

	if c.DB.StatementTimeout < 0 || c.DB.ConnectAttempts < 0 {
		return fmt.Errorf("%w: db statementTimeout and connectAttempts must not be negative", ErrInvalidSyncConfig)
	}

	s := c.Sync
	if s.Parallelism <= 0 || s.PageSize <= 0 || s.MaxPageSize < s.PageSize {
		return fmt.Errorf("%w: parallelism and page sizes must be positive, maxPageSize >= pageSize", ErrInvalidSyncConfig)
	}
	if s.SessionTimeout <= 0 || s.TombstoneRetention <= 0 || s.PurgeInterval < 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidSyncConfig)
	}

	if err := c.Conflicts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}
