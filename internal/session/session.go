// Package session tracks synchronization sessions per (user, device).
//
// At most one session per device is in flight. A session that stays
// in-progress longer than the stale timeout is assumed to belong to a
// crashed client and may be taken over; the abandoned run is recorded as
// failed.
package session

import (
	"context"
	"time"

	"github.com/erauner12/syncengine/internal/record"
)

// Direction is the data flow of a session
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// ScopeKind selects how much data a session covers
type ScopeKind string

const (
	ScopeFull           ScopeKind = "full"
	ScopePartial        ScopeKind = "partial"
	ScopeEntityFiltered ScopeKind = "entity-filtered"
)

// Scope is the data coverage of a session
type Scope struct {
	Kind        ScopeKind `json:"kind"`
	EntityTypes []string  `json:"entityTypes,omitempty"`
}

// Filter returns the entity-type filter implied by the scope (nil = all)
func (s Scope) Filter() []string {
	if s.Kind == ScopeFull || s.Kind == "" {
		return nil
	}
	return s.EntityTypes
}

// Connection is the network kind reported by the client
type Connection string

const (
	ConnectionWiFi     Connection = "wifi"
	ConnectionCellular Connection = "cellular"
	ConnectionEthernet Connection = "ethernet"
	ConnectionUnknown  Connection = "unknown"
)

// Trigger is what started the session
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerEvent     Trigger = "event"
	TriggerAppStart  Trigger = "app-start"
)

// Status is the tracker state of a (user, device) entry
type Status string

const (
	StatusIdle           Status = "idle"
	StatusInProgress     Status = "in-progress"
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial-failure"
	StatusFailed         Status = "failed"
)

// Terminal reports whether s may be passed to EndSession
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialFailure, StatusFailed:
		return true
	}
	return false
}

// Entry is the per-(user, device) bookkeeping row
type Entry struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`

	SessionID  string     `json:"sessionId,omitempty"`
	Status     Status     `json:"status"`
	Direction  Direction  `json:"direction"`
	Scope      Scope      `json:"scope"`
	Connection Connection `json:"connection"`
	Trigger    Trigger    `json:"trigger"`

	StartedAt  time.Time  `json:"startedAt"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`

	// Watermark is the highest token delivered in a successful session.
	Watermark record.Token `json:"watermark"`

	// PendingWatermark is the highest token delivered in the running session.
	PendingWatermark record.Token `json:"pendingWatermark,omitempty"`

	ErrorCount    int   `json:"errorCount"`
	ConflictCount int   `json:"conflictCount"`
	ItemsSent     int   `json:"itemsSent"`
	ItemsReceived int   `json:"itemsReceived"`
	DurationMs    int64 `json:"durationMs"`

	// Writes is the running session's applied and skipped changes
	Writes Writes `json:"writes"`

	ClientVersion string `json:"clientVersion,omitempty"`
	Notes         string `json:"notes,omitempty"`

	// Revision guards compare-and-swap updates of the entry.
	Revision int64 `json:"revision"`
}

// Writes counts what a session did to server records
type Writes struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

func (w *Writes) add(o Writes) {
	w.Created += o.Created
	w.Updated += o.Updated
	w.Deleted += o.Deleted
	w.Skipped += o.Skipped
}

// Run is the history row of one finished session
type Run struct {
	SessionID  string     `json:"sessionId"`
	UserID     string     `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	Direction  Direction  `json:"direction"`
	Scope      Scope      `json:"scope"`
	Trigger    Trigger    `json:"trigger"`
	Connection Connection `json:"connection"`
	Status     Status     `json:"status"`

	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	DurationMs int64     `json:"durationMs"`

	ItemsSent     int    `json:"itemsSent"`
	ItemsReceived int    `json:"itemsReceived"`
	Writes        Writes `json:"writes"`
	ErrorCount    int    `json:"errorCount"`
	ConflictCount int    `json:"conflictCount"`

	// Watermark is the device's watermark after the run
	Watermark     record.Token `json:"watermark"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
	ClientVersion string       `json:"clientVersion,omitempty"`
}

// runOf snapshots an ended entry
func runOf(e Entry, endedAt time.Time) Run {
	return Run{
		SessionID:     e.SessionID,
		UserID:        e.UserID,
		DeviceID:      e.DeviceID,
		Direction:     e.Direction,
		Scope:         e.Scope,
		Trigger:       e.Trigger,
		Status:        e.Status,
		Connection:    e.Connection,
		StartedAt:     e.StartedAt,
		EndedAt:       endedAt,
		DurationMs:    endedAt.Sub(e.StartedAt).Milliseconds(),
		ItemsSent:     e.ItemsSent,
		ItemsReceived: e.ItemsReceived,
		Writes:        e.Writes,
		ErrorCount:    e.ErrorCount,
		ConflictCount: e.ConflictCount,
		Watermark:     e.Watermark,
		ErrorMessage:  e.Notes,
		ClientVersion: e.ClientVersion,
	}
}

// RunFilter selects history rows, newest first
type RunFilter struct {
	UserID   string
	DeviceID string // empty = every device of the user
	Limit    int
}

// Store is the session half of the Storage collaborator
type Store interface {
	// GetSession returns the entry for (user, device) or syncerr.ErrNotFound
	GetSession(ctx context.Context, userID, deviceID string) (Entry, error)

	// SaveSession writes e if the stored revision equals expectedRevision
	// (0 = entry must not exist). The stored revision becomes expectedRevision+1.
	SaveSession(ctx context.Context, e Entry, expectedRevision int64) (saved bool, err error)

	// ListSessions returns every entry registered for a user
	ListSessions(ctx context.Context, userID string) ([]Entry, error)

	// DeleteSession unregisters a device
	DeleteSession(ctx context.Context, userID, deviceID string) error

	// SaveRun stores the history row of a finished session, replacing an
	// earlier row with the same session id
	SaveRun(ctx context.Context, r Run) error

	// ListRuns returns history rows ordered by end time, newest first
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
}
