package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/service/syncservice"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/rs/zerolog/log"
)

// Change is one local modification sent in a push
type Change struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Seq        int64           `json:"seq,omitempty"`
	BaseToken  record.Token    `json:"baseToken"`
	Delete     bool            `json:"isDelete,omitempty"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// BeginOptions describes the session to start
type BeginOptions struct {
	Direction     session.Direction  `json:"direction,omitempty"`
	Scope         session.Scope      `json:"scope"`
	Connection    session.Connection `json:"connection,omitempty"`
	Trigger       session.Trigger    `json:"trigger,omitempty"`
	ClientVersion string             `json:"clientVersion,omitempty"`
}

// Session is a running sync session of this device
type Session struct {
	session.Handle
	StaleAfter time.Time `json:"staleAfter"`
}

// Resolution is the outcome of a manual conflict decision
type Resolution struct {
	Verdict    conflict.Verdict  `json:"verdict"`
	Conflict   conflict.Conflict `json:"conflict"`
	Record     *record.Record    `json:"record,omitempty"`
	Token      record.Token      `json:"token,omitempty"`
	Redetected bool              `json:"redetected"`
}

// BeginSession starts a sync session for this device
func (c *Client) BeginSession(ctx context.Context, opts BeginOptions) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", "/v1/sync/sessions", "", opts, &s); err != nil {
		return nil, err
	}
	log.Info().
		Str("sessionId", s.ID).
		Int64("watermark", int64(s.Watermark)).
		Bool("recovered", s.Recovered != nil).
		Msg("sync session started")
	return &s, nil
}

// EndSession finishes a session; an empty status means completed
func (c *Client) EndSession(ctx context.Context, sessionID string, status session.Status, notes string) (session.Entry, error) {
	var entry session.Entry
	in := struct {
		Status session.Status `json:"status,omitempty"`
		Notes  string         `json:"notes,omitempty"`
	}{status, notes}
	err := c.do(ctx, "DELETE", "/v1/sync/sessions/"+url.PathEscape(sessionID), sessionID, in, &entry)
	return entry, err
}

// Push sends a batch of changes within a session
func (c *Client) Push(ctx context.Context, sessionID string, changes []Change) (syncservice.Result, error) {
	var res syncservice.Result
	in := struct {
		Items []Change `json:"items"`
	}{changes}
	err := c.do(ctx, "POST", "/v1/sync/push", sessionID, in, &res)
	return res, err
}

// Pull fetches one page of server changes after cursor ("" = the device watermark)
func (c *Client) Pull(ctx context.Context, sessionID, cursor string, limit int) (syncservice.Delta, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/sync/pull"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var d syncservice.Delta
	err := c.do(ctx, "GET", path, sessionID, nil, &d)
	return d, err
}

// Conflicts lists the user's conflicts awaiting a decision
func (c *Client) Conflicts(ctx context.Context, entityType string) ([]conflict.Conflict, error) {
	path := "/v1/sync/conflicts"
	if entityType != "" {
		path += "?entityType=" + url.QueryEscape(entityType)
	}
	var out struct {
		Conflicts []conflict.Conflict `json:"conflicts"`
	}
	err := c.do(ctx, "GET", path, "", nil, &out)
	return out.Conflicts, err
}

// Resolve applies a manual decision to a pending conflict
func (c *Client) Resolve(ctx context.Context, conflictID string, strategy conflict.Strategy) (Resolution, error) {
	var out Resolution
	in := struct {
		Strategy conflict.Strategy `json:"strategy"`
	}{strategy}
	err := c.do(ctx, "POST", "/v1/sync/conflicts/"+url.PathEscape(conflictID)+"/resolve", "", in, &out)
	return out, err
}

// Restore undeletes a record the user deleted
func (c *Client) Restore(ctx context.Context, key record.Key) (record.Record, error) {
	var rec record.Record
	path := fmt.Sprintf("/v1/sync/records/%s/%s/restore", url.PathEscape(key.EntityType), url.PathEscape(key.EntityID))
	err := c.do(ctx, "POST", path, "", nil, &rec)
	return rec, err
}

// History lists finished session runs, newest first. An empty deviceID
// covers every device of the user; limit 0 takes the server default.
func (c *Client) History(ctx context.Context, deviceID string, limit int) ([]session.Run, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/sync/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Runs []session.Run `json:"runs"`
	}
	err := c.do(ctx, "GET", path, "", nil, &out)
	return out.Runs, err
}

// Report is the outcome of one Sync run
type Report struct {
	Session session.Entry
	Result  syncservice.Result

	// Pulled holds every delta page, the push response's page first
	Pulled []syncservice.Delta
}

// Sync runs one complete session: begin, push changes, drain the delta,
// end. The session ends failed when any step after begin fails.
func (c *Client) Sync(ctx context.Context, opts BeginOptions, changes []Change) (Report, error) {
	var rep Report

	s, err := c.BeginSession(ctx, opts)
	if err != nil {
		return rep, err
	}

	fail := func(err error) (Report, error) {
		if _, endErr := c.EndSession(context.WithoutCancel(ctx), s.ID, session.StatusFailed, err.Error()); endErr != nil {
			log.Warn().Err(endErr).Str("sessionId", s.ID).Msg("failed to end session after error")
		}
		return rep, err
	}

	if rep.Result, err = c.Push(ctx, s.ID, changes); err != nil {
		return fail(fmt.Errorf("push: %w", err))
	}

	d := rep.Result.Delta
	rep.Pulled = append(rep.Pulled, d)
	for d.HasMore {
		if d, err = c.Pull(ctx, s.ID, d.NextCursor, 0); err != nil {
			return fail(fmt.Errorf("pull: %w", err))
		}
		rep.Pulled = append(rep.Pulled, d)
	}

	if rep.Session, err = c.EndSession(ctx, s.ID, "", ""); err != nil {
		return rep, fmt.Errorf("end session: %w", err)
	}
	return rep, nil
}
