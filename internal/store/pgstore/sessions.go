package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/jackc/pgx/v5"
)

func scanSession(row pgx.Row) (session.Entry, error) {
	var (
		doc      []byte
		revision int64
	)
	if err := row.Scan(&doc, &revision); err != nil {
		return session.Entry{}, err
	}
	var e session.Entry
	if err := json.Unmarshal(doc, &e); err != nil {
		return session.Entry{}, syncerr.Corrupt("decode session", err)
	}
	e.Revision = revision
	return e, nil
}

func (s *Store) GetSession(ctx context.Context, userID, deviceID string) (session.Entry, error) {
	e, err := scanSession(s.pool.QueryRow(ctx, `SELECT doc, revision FROM sync_session
		WHERE user_id = $1 AND device_id = $2`, userID, deviceID))
	if err != nil {
		return session.Entry{}, classify("get session", err)
	}
	return e, nil
}

func (s *Store) SaveSession(ctx context.Context, e session.Entry, expectedRevision int64) (bool, error) {
	e.Revision = expectedRevision + 1
	doc, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}

	var sql string
	args := []any{e.UserID, e.DeviceID, e.Revision, doc}
	if expectedRevision == 0 {
		sql = `INSERT INTO sync_session (user_id, device_id, revision, doc)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, device_id) DO NOTHING`
	} else {
		sql = `UPDATE sync_session SET revision = $3, doc = $4
			WHERE user_id = $1 AND device_id = $2 AND revision = $5`
		args = append(args, expectedRevision)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, classify("save session", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]session.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc, revision FROM sync_session
		WHERE user_id = $1 ORDER BY device_id`, userID)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	defer rows.Close()

	var out []session.Entry
	for rows.Next() {
		e, err := scanSession(rows)
		if err != nil {
			return nil, classify("list sessions", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list sessions", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID, deviceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_session WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	if err != nil {
		return classify("delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return syncerr.ErrNotFound
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, r session.Run) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_session_run (session_id, user_id, device_id, status, ended_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at, doc = EXCLUDED.doc`,
		r.SessionID, r.UserID, r.DeviceID, string(r.Status), r.EndedAt, doc)
	return classify("save run", err)
}

func (s *Store) ListRuns(ctx context.Context, f session.RunFilter) ([]session.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM sync_session_run
		WHERE user_id = $1 AND ($2 = '' OR device_id = $2)
		ORDER BY ended_at DESC, session_id DESC
		LIMIT NULLIF($3::int, 0)`, f.UserID, f.DeviceID, f.Limit)
	if err != nil {
		return nil, classify("list runs", err)
	}
	defer rows.Close()

	var out []session.Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, classify("list runs", err)
		}
		var r session.Run
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, syncerr.Corrupt("decode run", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list runs", err)
	}
	return out, nil
}
