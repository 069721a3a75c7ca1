package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPoolOptionsConfigure(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		opts        PoolOptions
		wantMax     int32
		wantMin     int32
		wantApp     string
		wantTimeout string
	}{
		{"defaults", "postgres://localhost/sync", PoolOptions{}, 20, 2, "", ""},
		{"sized", "postgres://localhost/sync", PoolOptions{MaxConns: 8, MinConns: 4}, 8, 4, "", ""},
		{"min above max ignored", "postgres://localhost/sync", PoolOptions{MaxConns: 3, MinConns: 5}, 3, 2, "", ""},
		{"session params", "postgres://localhost/sync", PoolOptions{ApplicationName: "syncd", StatementTimeout: 1500 * time.Millisecond}, 20, 2, "syncd", "1500"},
		{"url params win", "postgres://localhost/sync?application_name=psql&statement_timeout=100", PoolOptions{ApplicationName: "syncd", StatementTimeout: time.Second}, 20, 2, "psql", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := pgxpool.ParseConfig(tt.url)
			if err != nil {
				t.Fatal(err)
			}
			tt.opts.configure(cfg)
			if cfg.MaxConns != tt.wantMax || cfg.MinConns != tt.wantMin {
				t.Errorf("conns = %d/%d, want %d/%d", cfg.MaxConns, cfg.MinConns, tt.wantMax, tt.wantMin)
			}
			params := cfg.ConnConfig.RuntimeParams
			if params["application_name"] != tt.wantApp {
				t.Errorf("application_name = %q, want %q", params["application_name"], tt.wantApp)
			}
			if params["statement_timeout"] != tt.wantTimeout {
				t.Errorf("statement_timeout = %q, want %q", params["statement_timeout"], tt.wantTimeout)
			}
		})
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://%zz", PoolOptions{ConnectAttempts: 3}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOpenGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// nothing listens on port 1; the canceled context stops the retries
	_, err := Open(ctx, "postgres://u:p@127.0.0.1:1/sync?connect_timeout=1", PoolOptions{ConnectAttempts: 50})
	if err == nil {
		t.Fatal("expected error")
	}
}
