// Package store defines the record half of the Storage collaborator:
// atomic compare-and-swap writes keyed by (entity type, id, expected token)
// and token-ordered change reads for deltas.
//
// Tombstone, conflict and session persistence are declared next to the
// components that own them (tombstone.Store, conflict.Store, session.Store);
// the adapters in memstore and pgstore implement all of them.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/erauner12/syncengine/internal/record"
)

// Write is a compare-and-swap request against one record
type Write struct {
	Key     record.Key
	OwnerID string

	// ExpectedToken must equal the record's current token; record.NoToken
	// means the record must not exist yet.
	ExpectedToken record.Token

	Payload json.RawMessage
	Delete  bool

	// Restore clears the soft-delete flag and starts a new token epoch.
	// Only the tombstone restore path sets it.
	Restore bool

	Actor      record.Actor
	ModifiedAt time.Time
}

// CASResult is the outcome of CompareAndSwap.
// When Applied is false, Record holds the current snapshot (token mismatch);
// when true it holds the newly written state.
type CASResult struct {
	Applied bool
	Record  record.Record
}

// ChangesQuery selects records written after a watermark
type ChangesQuery struct {
	OwnerID     string
	AfterToken  record.Token
	EntityTypes []string // empty = all types
	Limit       int
}

// RecordStore is the record storage collaborator
type RecordStore interface {
	// Get returns the current server state of a record, soft-deleted rows
	// included. Missing rows return syncerr.ErrNotFound.
	Get(ctx context.Context, key record.Key) (record.Record, error)

	// CompareAndSwap atomically applies w if the stored token equals
	// w.ExpectedToken. A mismatch is not an error.
	CompareAndSwap(ctx context.Context, w Write) (CASResult, error)

	// Changes returns records with token > AfterToken ordered by token,
	// soft-deleted rows included so deltas can carry deletions.
	Changes(ctx context.Context, q ChangesQuery) ([]record.Record, error)
}

// Matches reports whether entityType passes an entity-type filter
func Matches(filter []string, entityType string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if t == entityType {
			return true
		}
	}
	return false
}
