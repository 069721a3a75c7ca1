package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates the postgres backend has no DATABASE_URL
	ErrMissingDatabaseURL = errors.New("databaseUrl is required for postgres storage")

	// ErrUnknownStorage indicates an unsupported storage backend name
	ErrUnknownStorage = errors.New("unknown storage backend")

	// ErrMissingJWTSecret indicates that no HS256 secret is configured
	ErrMissingJWTSecret = errors.New("auth.hs256Secret is required when not in dev mode")

	// ErrDevModeInProduction indicates X-Debug-Sub auth outside ENV=dev
	ErrDevModeInProduction = errors.New("auth.devMode is only allowed with env=dev")

	ErrInvalidRateLimit = errors.New("rateLimit values must be positive")

	ErrInvalidSyncConfig = errors.New("invalid sync configuration")

	// ErrInvalidPolicy indicates a conflict policy that cannot run
	ErrInvalidPolicy = errors.New("invalid conflict policy")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
