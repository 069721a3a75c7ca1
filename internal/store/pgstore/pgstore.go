// Package pgstore implements the storage collaborator on PostgreSQL.
//
// Record writes are single-statement compare-and-swaps keyed by the expected
// token; tokens come from the sync_token_seq sequence. Tombstones, conflicts
// and session entries are stored as JSONB documents next to the columns
// their queries filter on.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ store.RecordStore = (*Store)(nil)
	_ tombstone.Store   = (*Store)(nil)
	_ conflict.Store    = (*Store)(nil)
	_ session.Store     = (*Store)(nil)
)

// Store is the PostgreSQL storage adapter
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New wraps a pool; the schema must already be migrated
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time stamped on writes (tests)
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// classify maps driver errors onto the sync error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return syncerr.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch code := pgErr.SQLState(); {
		case code == "40001", // serialization_failure
			code == "40P01", // deadlock_detected
			code == "55P03", // lock_not_available
			code == "57P01", // admin_shutdown
			code == "53300", // too_many_connections
			strings.HasPrefix(code, "08"):
			return syncerr.Unavailable(op, err)
		case code == "XX001", // data_corrupted
			code == "XX002": // index_corrupted
			return syncerr.Corrupt(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return syncerr.Unavailable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return syncerr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ---- records ----

const recordColumns = `entity_type, entity_id, owner_id, token, epoch, payload, modified_at,
	created_at, created_by_user, created_by_device, updated_at, updated_by_user, updated_by_device,
	deleted, deleted_at, deleted_by_user, deleted_by_device`

func scanRecord(row pgx.Row) (record.Record, error) {
	var (
		r                     record.Record
		payload               []byte
		deletedAt             *time.Time
		deletedBy, deletedDev *string
	)
	err := row.Scan(
		&r.EntityType, &r.EntityID, &r.OwnerID, &r.Token, &r.Epoch, &payload, &r.ModifiedAt,
		&r.CreatedAt, &r.CreatedBy.UserID, &r.CreatedBy.DeviceID,
		&r.UpdatedAt, &r.UpdatedBy.UserID, &r.UpdatedBy.DeviceID,
		&r.Deleted, &deletedAt, &deletedBy, &deletedDev,
	)
	if err != nil {
		return record.Record{}, err
	}
	if payload != nil {
		r.Payload = json.RawMessage(payload)
	}
	if deletedAt != nil {
		t := deletedAt.UTC()
		r.DeletedAt = &t
	}
	if deletedBy != nil {
		a := record.Actor{UserID: *deletedBy}
		if deletedDev != nil {
			a.DeviceID = *deletedDev
		}
		r.DeletedBy = &a
	}
	r.ModifiedAt = r.ModifiedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) Get(ctx context.Context, key record.Key) (record.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM sync_record
		WHERE entity_type = $1 AND entity_id = $2`, key.EntityType, key.EntityID)
	r, err := scanRecord(row)
	if err != nil {
		return record.Record{}, classify("get record", err)
	}
	return r, nil
}

func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func (s *Store) CompareAndSwap(ctx context.Context, w store.Write) (store.CASResult, error) {
	now := s.now()
	modifiedAt := w.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = now
	}

	var (
		r   record.Record
		err error
	)
	if w.ExpectedToken == record.NoToken {
		var deletedAt *time.Time
		var deletedBy, deletedDev *string
		if w.Delete {
			deletedAt, deletedBy, deletedDev = &now, &w.Actor.UserID, &w.Actor.DeviceID
		}
		r, err = scanRecord(s.pool.QueryRow(ctx, `
			INSERT INTO sync_record (entity_type, entity_id, owner_id, token, epoch, payload, modified_at,
				created_at, created_by_user, created_by_device, updated_at, updated_by_user, updated_by_device,
				deleted, deleted_at, deleted_by_user, deleted_by_device)
			VALUES ($1, $2, $3, nextval('sync_token_seq'), 1, $4, $5, $6, $7, $8, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (entity_type, entity_id) DO NOTHING
			RETURNING `+recordColumns,
			w.Key.EntityType, w.Key.EntityID, w.OwnerID, nullPayload(w.Payload), modifiedAt,
			now, w.Actor.UserID, w.Actor.DeviceID,
			w.Delete, deletedAt, deletedBy, deletedDev,
		))
	} else {
		r, err = scanRecord(s.pool.QueryRow(ctx, `
			UPDATE sync_record SET
				token             = nextval('sync_token_seq'),
				payload           = CASE WHEN $4 THEN payload ELSE $6 END,
				epoch             = CASE WHEN $5 THEN epoch + 1 ELSE epoch END,
				modified_at       = $7,
				updated_at        = $8,
				updated_by_user   = $9,
				updated_by_device = $10,
				deleted           = CASE WHEN $4 THEN TRUE WHEN $5 THEN FALSE ELSE deleted END,
				deleted_at        = CASE WHEN $4 THEN $8 WHEN $5 THEN NULL ELSE deleted_at END,
				deleted_by_user   = CASE WHEN $4 THEN $9 WHEN $5 THEN NULL ELSE deleted_by_user END,
				deleted_by_device = CASE WHEN $4 THEN $10 WHEN $5 THEN NULL ELSE deleted_by_device END
			WHERE entity_type = $1 AND entity_id = $2 AND token = $3
			  AND (NOT deleted OR $4 OR $5)
			RETURNING `+recordColumns,
			w.Key.EntityType, w.Key.EntityID, w.ExpectedToken, w.Delete, w.Restore,
			nullPayload(w.Payload), modifiedAt, now, w.Actor.UserID, w.Actor.DeviceID,
		))
	}
	if err == nil {
		return store.CASResult{Applied: true, Record: r}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.CASResult{}, classify("compare and swap", err)
	}

	// not applied: report the current state
	cur, err := s.Get(ctx, w.Key)
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		return store.CASResult{}, nil
	case err != nil:
		return store.CASResult{}, err
	}
	if cur.Token == w.ExpectedToken && cur.Deleted {
		return store.CASResult{}, syncerr.ErrResurrectionBlocked
	}
	return store.CASResult{Record: cur}, nil
}

func (s *Store) Changes(ctx context.Context, q store.ChangesQuery) ([]record.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM sync_record
		WHERE owner_id = $1 AND token > $2
		  AND ($3::text[] IS NULL OR entity_type = ANY($3))
		ORDER BY token
		LIMIT NULLIF($4::int, 0)`,
		q.OwnerID, q.AfterToken, nullFilter(q.EntityTypes), q.Limit)
	if err != nil {
		return nil, classify("load changes", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan change", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load changes", err)
	}
	return out, nil
}

// nullFilter turns an empty entity-type filter into SQL NULL
func nullFilter(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	return types
}
