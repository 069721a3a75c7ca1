package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schema creates the sync tables. Statements are idempotent so Migrate can
// run on every start.
var schema = []string{
	// one server-wide sequence orders every record write
	`CREATE SEQUENCE IF NOT EXISTS sync_token_seq`,

	`CREATE TABLE IF NOT EXISTS sync_record (
		entity_type       TEXT        NOT NULL,
		entity_id         TEXT        NOT NULL,
		owner_id          TEXT        NOT NULL,
		token             BIGINT      NOT NULL,
		epoch             INT         NOT NULL DEFAULT 1,
		payload           JSONB,
		modified_at       TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		created_by_user   TEXT        NOT NULL,
		created_by_device TEXT        NOT NULL DEFAULT '',
		updated_at        TIMESTAMPTZ NOT NULL,
		updated_by_user   TEXT        NOT NULL,
		updated_by_device TEXT        NOT NULL DEFAULT '',
		deleted           BOOLEAN     NOT NULL DEFAULT FALSE,
		deleted_at        TIMESTAMPTZ,
		deleted_by_user   TEXT,
		deleted_by_device TEXT,
		PRIMARY KEY (entity_type, entity_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_record_token_idx ON sync_record(token)`,
	`CREATE INDEX IF NOT EXISTS sync_record_owner_token_idx ON sync_record(owner_id, token)`,

	`CREATE TABLE IF NOT EXISTS sync_tombstone (
		id               UUID        PRIMARY KEY,
		entity_type      TEXT        NOT NULL,
		entity_id        TEXT        NOT NULL,
		owner_id         TEXT        NOT NULL,
		token            BIGINT      NOT NULL,
		deleted_at       TIMESTAMPTZ NOT NULL,
		retention_expiry TIMESTAMPTZ NOT NULL,
		propagated       BOOLEAN     NOT NULL DEFAULT FALSE,
		restored         BOOLEAN     NOT NULL DEFAULT FALSE,
		revision         BIGINT      NOT NULL DEFAULT 1,
		doc              JSONB       NOT NULL,
		UNIQUE (entity_type, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS sync_tombstone_owner_token_idx ON sync_tombstone(owner_id, token) WHERE NOT restored`,
	`CREATE INDEX IF NOT EXISTS sync_tombstone_purge_idx ON sync_tombstone(retention_expiry) WHERE propagated AND NOT restored`,

	`CREATE TABLE IF NOT EXISTS sync_tombstone_archive (
		id          UUID        PRIMARY KEY,
		entity_type TEXT        NOT NULL,
		entity_id   TEXT        NOT NULL,
		owner_id    TEXT        NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL,
		doc         JSONB       NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sync_conflict (
		id          UUID        PRIMARY KEY,
		entity_type TEXT        NOT NULL,
		entity_id   TEXT        NOT NULL,
		owner_id    TEXT        NOT NULL,
		status      TEXT        NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		revision    BIGINT      NOT NULL,
		doc         JSONB       NOT NULL
	)`,
	// at most one open conflict per record
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_conflict_open_idx ON sync_conflict(entity_type, entity_id)
		WHERE status IN ('detected', 'resolved')`,
	`CREATE INDEX IF NOT EXISTS sync_conflict_owner_idx ON sync_conflict(owner_id, status, detected_at)`,

	`CREATE TABLE IF NOT EXISTS sync_session (
		user_id   TEXT   NOT NULL,
		device_id TEXT   NOT NULL,
		revision  BIGINT NOT NULL,
		doc       JSONB  NOT NULL,
		PRIMARY KEY (user_id, device_id)
	)`,

	// one history row per finished session
	`CREATE TABLE IF NOT EXISTS sync_session_run (
		session_id TEXT        PRIMARY KEY,
		user_id    TEXT        NOT NULL,
		device_id  TEXT        NOT NULL,
		status     TEXT        NOT NULL,
		ended_at   TIMESTAMPTZ NOT NULL,
		doc        JSONB       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_session_run_user_idx ON sync_session_run(user_id, ended_at DESC)`,
}

// Migrate applies the schema in one transaction
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration statement %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Int("statements", len(schema)).Msg("schema migrated")
	return nil
}
