package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/erauner12/syncengine/internal/config"
	"github.com/erauner12/syncengine/internal/db"
	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/service/syncservice"
	"github.com/erauner12/syncengine/internal/store/memstore"
	"github.com/erauner12/syncengine/internal/store/pgstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Offline-first sync server",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, migrateCmd, purgeCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to read .env: %v\n", err)
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration, applying flag overrides
// before validation
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	setupLogging(cfg)
	return cfg, nil
}

// setupLogging configures the global logger
func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	if cfg.Env == "dev" {
		// Pretty logging for local dev
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = log.With().Str("service", "syncd").Logger()
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// backend is the opened storage plus its lifecycle hooks
type backend struct {
	store syncservice.Storage
	pool  *pgxpool.Pool
}

func (b backend) ready(ctx context.Context) error {
	if b.pool == nil {
		return nil
	}
	return db.Ping(ctx, b.pool)
}

func (b backend) close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

// openBackend connects to the configured storage
func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	if cfg.Storage == config.StorageMemory {
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		return backend{store: memstore.New()}, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:         cfg.DB.MaxConns,
		MinConns:         cfg.DB.MinConns,
		ApplicationName:  cfg.DB.ApplicationName,
		StatementTimeout: cfg.DB.StatementTimeout.Std(),
		ConnectAttempts:  cfg.DB.ConnectAttempts,
	})
	if err != nil {
		return backend{}, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return backend{store: pgstore.New(pool), pool: pool}, nil
}

// newService builds the sync engine over b with the configured options
func newService(cfg *config.Config, b backend) *syncservice.Service {
	opts := syncservice.DefaultOptions()
	opts.Parallelism = cfg.Sync.Parallelism
	opts.PageSize = cfg.Sync.PageSize
	opts.MaxBatch = cfg.Sync.MaxBatch
	opts.MaxRetries = cfg.Sync.MaxRetries
	opts.SessionTimeout = cfg.Sync.SessionTimeout.Std()
	opts.TombstoneRetention = cfg.Sync.TombstoneRetention.Std()

	return syncservice.New(b.store, cfg.Conflicts, notify.LogNotifier{}, opts)
}
