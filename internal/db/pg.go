package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolOptions tunes the pool and its sessions; zero values keep the defaults
type PoolOptions struct {
	MaxConns int32
	MinConns int32

	// ApplicationName shows up in pg_stat_activity next to every connection
	ApplicationName string

	// StatementTimeout bounds every statement server-side
	StatementTimeout time.Duration

	// ConnectAttempts is how many pings Open tries before giving up, so the
	// server can start before the database is accepting connections
	ConnectAttempts int
}

const (
	defaultMaxConns        = 20
	defaultMinConns        = 2
	defaultConnectAttempts = 1
	pingTimeout            = 5 * time.Second
)

// configure applies opts over a parsed pool config. Runtime parameters
// already present in the URL win.
func (o PoolOptions) configure(cfg *pgxpool.Config) {
	cfg.MaxConns = defaultMaxConns
	cfg.MinConns = defaultMinConns
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	if o.MinConns > 0 && o.MinConns <= cfg.MaxConns {
		cfg.MinConns = o.MinConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok && o.ApplicationName != "" {
		params["application_name"] = o.ApplicationName
	}
	if _, ok := params["statement_timeout"]; !ok && o.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(o.StatementTimeout.Milliseconds(), 10)
	}
}

// Open creates a PostgreSQL connection pool and waits until it answers a ping
func Open(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	opts.configure(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attempts := opts.ConnectAttempts
	if attempts < defaultConnectAttempts {
		attempts = defaultConnectAttempts
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	err = backoff.RetryNotify(func() error {
		return Ping(ctx, pool)
	}, b, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("postgres not ready")
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Str("application_name", cfg.ConnConfig.RuntimeParams["application_name"]).
		Str("statement_timeout", cfg.ConnConfig.RuntimeParams["statement_timeout"]).
		Msg("postgres connection pool created")

	return pool, nil
}

// Ping checks that the pool can reach the database within a short deadline
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
