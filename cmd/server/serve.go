package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/syncengine/internal/auth"
	"github.com/erauner12/syncengine/internal/db"
	"github.com/erauner12/syncengine/internal/httpapi"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP API",
	Long: `Run the sync HTTP API.

On PostgreSQL storage the schema is migrated before the listener starts
unless --skip-migrate is given. A background janitor archives tombstones
past retention every sync.purgeInterval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.close()

		if b.pool != nil && !skipMigrate {
			if err := db.Migrate(ctx, b.pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}

		svc := newService(cfg, b)
		if interval := cfg.Sync.PurgeInterval.Std(); interval > 0 {
			janitor := svc.Janitor(interval)
			janitor.Start(ctx)
			defer janitor.Stop()
		}

		srv := &httpapi.Server{
			Sync: svc,
			RateLimitConfig: httpapi.RateLimitInfo{
				WindowSeconds: cfg.RateLimit.WindowSeconds,
				MaxRequests:   cfg.RateLimit.MaxRequests,
				Burst:         cfg.RateLimit.Burst,
			},
			PageSize:    cfg.Sync.PageSize,
			MaxPageSize: cfg.Sync.MaxPageSize,
			Ready:       b.ready,
		}

		jwtCfg := auth.JWTCfg{
			HS256Secret: cfg.Auth.HS256Secret,
			Issuer:      cfg.Auth.Issuer,
			Audience:    cfg.Auth.Audience,
			DevMode:     cfg.Auth.DevMode,
		}

		httpServer := &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      srv.Routes(jwtCfg),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.Storage).Msg("starting HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("HTTP server failed: %w", err)
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		log.Info().Msg("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply schema migrations on start")
}
