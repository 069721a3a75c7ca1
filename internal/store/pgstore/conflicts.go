package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/jackc/pgx/v5"
)

// createAttempts bounds the insert/lookup loop when the open conflict of a
// key closes between the two statements
const createAttempts = 3

func scanConflict(row pgx.Row) (conflict.Conflict, error) {
	var (
		doc      []byte
		revision int64
	)
	if err := row.Scan(&doc, &revision); err != nil {
		return conflict.Conflict{}, err
	}
	var c conflict.Conflict
	if err := json.Unmarshal(doc, &c); err != nil {
		return conflict.Conflict{}, syncerr.Corrupt("decode conflict", err)
	}
	c.Revision = revision
	return c, nil
}

func (s *Store) CreateConflict(ctx context.Context, c conflict.Conflict) (conflict.Conflict, bool, error) {
	c.Revision = 1
	doc, err := json.Marshal(c)
	if err != nil {
		return conflict.Conflict{}, false, fmt.Errorf("encode conflict: %w", err)
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO sync_conflict (id, entity_type, entity_id, owner_id, status, detected_at, revision, doc)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			ON CONFLICT (entity_type, entity_id) WHERE status IN ('detected', 'resolved') DO NOTHING`,
			c.ID, c.Key.EntityType, c.Key.EntityID, c.OwnerID, string(c.Status), c.DetectedAt, doc)
		if err != nil {
			return conflict.Conflict{}, false, classify("create conflict", err)
		}
		if tag.RowsAffected() == 1 {
			return c, true, nil
		}
		open, err := s.OpenConflict(ctx, c.Key)
		if errors.Is(err, syncerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return conflict.Conflict{}, false, err
		}
		return open, false, nil
	}
	return conflict.Conflict{}, false, syncerr.Unavailable("create conflict", errors.New("open conflict kept changing"))
}

func (s *Store) GetConflict(ctx context.Context, id string) (conflict.Conflict, error) {
	c, err := scanConflict(s.pool.QueryRow(ctx, `SELECT doc, revision FROM sync_conflict WHERE id = $1`, id))
	if err != nil {
		return conflict.Conflict{}, classify("get conflict", err)
	}
	return c, nil
}

func (s *Store) OpenConflict(ctx context.Context, key record.Key) (conflict.Conflict, error) {
	c, err := scanConflict(s.pool.QueryRow(ctx, `SELECT doc, revision FROM sync_conflict
		WHERE entity_type = $1 AND entity_id = $2 AND status IN ('detected', 'resolved')`,
		key.EntityType, key.EntityID))
	if err != nil {
		return conflict.Conflict{}, classify("open conflict", err)
	}
	return c, nil
}

func (s *Store) UpdateConflict(ctx context.Context, c conflict.Conflict) (conflict.Conflict, error) {
	expected := c.Revision
	c.Revision = expected + 1
	doc, err := json.Marshal(c)
	if err != nil {
		return conflict.Conflict{}, fmt.Errorf("encode conflict: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_conflict SET status = $3, owner_id = $4, revision = revision + 1, doc = $5
		WHERE id = $1 AND revision = $2`,
		c.ID, expected, string(c.Status), c.OwnerID, doc)
	if err != nil {
		return conflict.Conflict{}, classify("update conflict", err)
	}
	if tag.RowsAffected() == 1 {
		return c, nil
	}

	var actual int64
	err = s.pool.QueryRow(ctx, `SELECT revision FROM sync_conflict WHERE id = $1`, c.ID).Scan(&actual)
	if err != nil {
		return conflict.Conflict{}, classify("update conflict", err)
	}
	return conflict.Conflict{}, &syncerr.VersionMismatchError{Expected: expected, Actual: actual}
}

func (s *Store) ListConflicts(ctx context.Context, f conflict.Filter) ([]conflict.Conflict, error) {
	var statuses []string
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.pool.Query(ctx, `SELECT doc, revision FROM sync_conflict
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 = '' OR entity_type = $2)
		  AND ($3::text[] IS NULL OR status = ANY($3))
		ORDER BY detected_at, id
		LIMIT NULLIF($4::int, 0)`,
		f.OwnerID, f.EntityType, statuses, f.Limit)
	if err != nil {
		return nil, classify("list conflicts", err)
	}
	defer rows.Close()

	var out []conflict.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, classify("list conflicts", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list conflicts", err)
	}
	return out, nil
}
