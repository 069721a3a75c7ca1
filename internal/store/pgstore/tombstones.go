package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/jackc/pgx/v5"
)

func scanTombstone(row pgx.Row) (tombstone.Tombstone, error) {
	var (
		doc      []byte
		revision int64
	)
	if err := row.Scan(&doc, &revision); err != nil {
		return tombstone.Tombstone{}, err
	}
	var t tombstone.Tombstone
	if err := json.Unmarshal(doc, &t); err != nil {
		return tombstone.Tombstone{}, syncerr.Corrupt("decode tombstone", err)
	}
	t.Revision = revision
	return t, nil
}

func collectTombstones(rows pgx.Rows, op string) ([]tombstone.Tombstone, error) {
	defer rows.Close()
	var out []tombstone.Tombstone
	for rows.Next() {
		t, err := scanTombstone(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *Store) InsertTombstone(ctx context.Context, t tombstone.Tombstone) (tombstone.Tombstone, bool, error) {
	t.Revision = 1
	doc, err := json.Marshal(t)
	if err != nil {
		return tombstone.Tombstone{}, false, fmt.Errorf("encode tombstone: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_tombstone (id, entity_type, entity_id, owner_id, token, deleted_at,
			retention_expiry, propagated, restored, revision, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
		ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		t.ID, t.Key.EntityType, t.Key.EntityID, t.OwnerID, t.Token, t.DeletedAt,
		t.RetentionExpiry, t.Propagated, t.Restored, doc)
	if err != nil {
		return tombstone.Tombstone{}, false, classify("insert tombstone", err)
	}
	if tag.RowsAffected() == 1 {
		return t, true, nil
	}
	cur, err := s.GetTombstone(ctx, t.Key)
	if err != nil {
		return tombstone.Tombstone{}, false, err
	}
	return cur, false, nil
}

func (s *Store) GetTombstone(ctx context.Context, key record.Key) (tombstone.Tombstone, error) {
	t, err := scanTombstone(s.pool.QueryRow(ctx, `SELECT doc, revision FROM sync_tombstone
		WHERE entity_type = $1 AND entity_id = $2`, key.EntityType, key.EntityID))
	if err != nil {
		return tombstone.Tombstone{}, classify("get tombstone", err)
	}
	return t, nil
}

func (s *Store) UpdateTombstone(ctx context.Context, t tombstone.Tombstone) (tombstone.Tombstone, error) {
	expected := t.Revision
	t.Revision = expected + 1
	doc, err := json.Marshal(t)
	if err != nil {
		return tombstone.Tombstone{}, fmt.Errorf("encode tombstone: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_tombstone SET
			owner_id = $3, token = $4, deleted_at = $5, retention_expiry = $6,
			propagated = $7, restored = $8, revision = revision + 1, doc = $9
		WHERE id = $1 AND revision = $2`,
		t.ID, expected, t.OwnerID, t.Token, t.DeletedAt, t.RetentionExpiry, t.Propagated, t.Restored, doc)
	if err != nil {
		return tombstone.Tombstone{}, classify("update tombstone", err)
	}
	if tag.RowsAffected() == 1 {
		return t, nil
	}

	var actual int64
	err = s.pool.QueryRow(ctx, `SELECT revision FROM sync_tombstone WHERE id = $1`, t.ID).Scan(&actual)
	if err != nil {
		return tombstone.Tombstone{}, classify("update tombstone", err)
	}
	return tombstone.Tombstone{}, &syncerr.VersionMismatchError{Expected: expected, Actual: actual}
}

func (s *Store) TombstonesSince(ctx context.Context, q tombstone.SinceQuery) ([]tombstone.Tombstone, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc, revision FROM sync_tombstone
		WHERE owner_id = $1 AND token > $2 AND NOT restored
		  AND ($3::text[] IS NULL OR entity_type = ANY($3))
		ORDER BY token
		LIMIT NULLIF($4::int, 0)`,
		q.OwnerID, q.AfterToken, nullFilter(q.EntityTypes), q.Limit)
	if err != nil {
		return nil, classify("tombstones since", err)
	}
	return collectTombstones(rows, "tombstones since")
}

func (s *Store) PurgeableTombstones(ctx context.Context, now time.Time, limit int) ([]tombstone.Tombstone, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc, revision FROM sync_tombstone
		WHERE propagated AND NOT restored AND retention_expiry <= $1
		ORDER BY deleted_at
		LIMIT NULLIF($2::int, 0)`, now, limit)
	if err != nil {
		return nil, classify("purgeable tombstones", err)
	}
	return collectTombstones(rows, "purgeable tombstones")
}

// ArchiveTombstones moves tombstones to the archive table and drops the
// soft-deleted record rows they guarded, in one transaction.
func (s *Store) ArchiveTombstones(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT doc, revision FROM sync_tombstone WHERE id = ANY($1::uuid[]) FOR UPDATE`, ids)
		if err != nil {
			return err
		}
		stones, err := collectTombstones(rows, "archive tombstones")
		if err != nil {
			return err
		}

		for _, t := range stones {
			archivedAt := at
			t.Archived = true
			t.ArchivedAt = &archivedAt
			doc, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode tombstone: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync_tombstone_archive (id, entity_type, entity_id, owner_id, archived_at, doc)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO UPDATE SET archived_at = EXCLUDED.archived_at, doc = EXCLUDED.doc`,
				t.ID, t.Key.EntityType, t.Key.EntityID, t.OwnerID, at, doc); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM sync_tombstone WHERE id = $1`, t.ID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM sync_record
				WHERE entity_type = $1 AND entity_id = $2 AND deleted`,
				t.Key.EntityType, t.Key.EntityID); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("archive tombstones", err)
}

// Archived returns an archived tombstone by id
func (s *Store) Archived(ctx context.Context, id string) (tombstone.Tombstone, error) {
	t, err := scanTombstone(s.pool.QueryRow(ctx, `SELECT doc, COALESCE((doc->>'revision')::bigint, 0) FROM sync_tombstone_archive WHERE id = $1`, id))
	if err != nil {
		return tombstone.Tombstone{}, classify("get archived tombstone", err)
	}
	return t, nil
}
