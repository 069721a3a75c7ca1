// Package conflict detects, persists and resolves collisions between a
// client's change and the authoritative server state of a record.
//
// A conflict is persisted state, not an error. At most one open conflict
// exists per record key; later colliding changes are absorbed into it.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/erauner12/syncengine/internal/record"
)

var (
	// ErrStrategyNotApplicable indicates a strategy that cannot resolve the conflict type
	ErrStrategyNotApplicable = errors.New("strategy not applicable to conflict type")

	// ErrClosed indicates the conflict was already applied or ignored
	ErrClosed = errors.New("conflict already closed")

	// ErrUnknownStrategy indicates an unrecognized strategy name
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// Type classifies a conflict by which sides delete
type Type string

const (
	TypeUpdateUpdate Type = "update-update"
	TypeUpdateDelete Type = "update-delete"
	TypeDeleteUpdate Type = "delete-update"
	TypeDeleteDelete Type = "delete-delete"
)

// InvolvesDelete reports whether either side is a deletion
func (t Type) InvolvesDelete() bool {
	return t != TypeUpdateUpdate
}

// Status is the lifecycle state of a conflict
type Status string

const (
	StatusDetected Status = "detected"
	StatusResolved Status = "resolved"
	StatusApplied  Status = "applied"
	StatusIgnored  Status = "ignored"
)

// Open reports whether the conflict still blocks its key
func (s Status) Open() bool {
	return s == StatusDetected || s == StatusResolved
}

// Strategy picks the winning state of a conflict
type Strategy string

const (
	StrategyServerWins     Strategy = "server-wins"
	StrategyClientWins     Strategy = "client-wins"
	StrategyLastWriterWins Strategy = "last-writer-wins"
	StrategyManual         Strategy = "manual"
	StrategyDeleteWins     Strategy = "delete-wins"
	StrategyUndelete       Strategy = "undelete"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyServerWins, StrategyClientWins, StrategyLastWriterWins,
		StrategyManual, StrategyDeleteWins, StrategyUndelete:
		return st, nil
	}
	return "", ErrUnknownStrategy
}

// Change is one client-submitted modification of a record
type Change struct {
	Key record.Key `json:"key"`

	// Seq is the client's local commit order
	Seq int64 `json:"seq"`

	// BaseToken is the token the client last observed (NoToken for creates)
	BaseToken record.Token `json:"baseToken"`

	Delete     bool            `json:"delete"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ModifiedAt time.Time       `json:"modifiedAt"`
}

// Snapshot returns the client side-state carried by the change
func (c Change) Snapshot() record.Snapshot {
	return record.Snapshot{
		Token:      c.BaseToken,
		Deleted:    c.Delete,
		ModifiedAt: c.ModifiedAt,
		Payload:    c.Payload,
	}
}

// ClientState is a client side-state absorbed into an open conflict
type ClientState struct {
	Snapshot   record.Snapshot `json:"snapshot"`
	Actor      record.Actor    `json:"actor"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Conflict is the persisted record of a collision
type Conflict struct {
	ID      string       `json:"id"`
	Key     record.Key   `json:"key"`
	OwnerID string       `json:"ownerId"`
	Actor   record.Actor `json:"actor"`

	// Client holds the latest client side-state; Client.Token is its base token.
	Client record.Snapshot `json:"client"`
	// Server holds the server state at (re)detection.
	Server record.Snapshot `json:"server"`

	Type     Type     `json:"type"`
	Status   Status   `json:"status"`
	Strategy Strategy `json:"strategy,omitempty"`

	Severity int `json:"severity"`
	Priority int `json:"priority"`

	ResolvedBy    *record.Actor `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
	AppliedAt     *time.Time    `json:"appliedAt,omitempty"`
	ResolvedToken record.Token  `json:"resolvedToken,omitempty"`

	Notified   bool       `json:"notified"`
	NotifiedAt *time.Time `json:"notifiedAt,omitempty"`

	DetectedAt         time.Time     `json:"detectedAt"`
	LastDetectedAt     time.Time     `json:"lastDetectedAt"`
	ClientStates       []ClientState `json:"clientStates,omitempty"`
	ResolutionAttempts int           `json:"resolutionAttempts"`

	// Revision guards compare-and-swap updates of the conflict row.
	Revision int64 `json:"revision"`
}

// Filter selects conflicts for listing
type Filter struct {
	OwnerID    string
	EntityType string
	Statuses   []Status
	Limit      int
}

// Store is the conflict half of the Storage collaborator
type Store interface {
	// CreateConflict inserts c unless an open conflict exists for c.Key, in
	// which case the existing one is returned with created=false.
	CreateConflict(ctx context.Context, c Conflict) (stored Conflict, created bool, err error)

	GetConflict(ctx context.Context, id string) (Conflict, error)

	// OpenConflict returns the open conflict for key or syncerr.ErrNotFound
	OpenConflict(ctx context.Context, key record.Key) (Conflict, error)

	// UpdateConflict writes c if the stored revision equals c.Revision and
	// returns the stored row; a mismatch is a *syncerr.VersionMismatchError.
	UpdateConflict(ctx context.Context, c Conflict) (Conflict, error)

	// ListConflicts returns matching conflicts, oldest detection first
	ListConflicts(ctx context.Context, f Filter) ([]Conflict, error)
}
