// Package tombstone records deletions independently of the record rows so
// that deletions propagate to every device and are never undone by a stale
// write from a device that was offline when the deletion happened.
package tombstone

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/erauner12/syncengine/internal/record"
)

// Context describes why a deletion happened
type Context string

const (
	ContextUserAction    Context = "user-action"
	ContextCascade       Context = "cascade"
	ContextSystemCleanup Context = "system-cleanup"
	ContextSync          Context = "sync"
)

// Valid reports whether c is a known deletion context
func (c Context) Valid() bool {
	switch c {
	case ContextUserAction, ContextCascade, ContextSystemCleanup, ContextSync:
		return true
	}
	return false
}

// Tombstone marks that a record was deleted
type Tombstone struct {
	ID      string       `json:"id"`
	Key     record.Key   `json:"key"`
	OwnerID string       `json:"ownerId"`
	Actor   record.Actor `json:"deletedBy"`
	Context Context      `json:"context"`
	Reason  string       `json:"reason,omitempty"`

	DeletedAt time.Time    `json:"deletedAt"`
	Token     record.Token `json:"token"`

	// Generation increases each time a restored id is deleted again.
	Generation int `json:"generation"`

	Permanent       bool       `json:"permanent"`
	RetentionExpiry time.Time  `json:"retentionExpiry"`
	Archived        bool       `json:"archived"`
	ArchivedAt      *time.Time `json:"archivedAt,omitempty"`

	Propagated bool     `json:"propagated"`
	ObservedBy []string `json:"observedBy"`
	SyncCount  int      `json:"syncCount"`

	Restored   bool          `json:"restored"`
	RestoredAt *time.Time    `json:"restoredAt,omitempty"`
	RestoredBy *record.Actor `json:"restoredBy,omitempty"`

	// Backup is the record payload before deletion.
	Backup json.RawMessage `json:"backup,omitempty"`

	// Revision guards UpdateTombstone; the store bumps it on every write.
	Revision int64 `json:"revision"`
}

// Live reports whether the tombstone still blocks writes to its key
func (t Tombstone) Live() bool {
	return !t.Restored && !t.Archived
}

// HasObserved reports whether device has received this tombstone
func (t Tombstone) HasObserved(device string) bool {
	i := sort.SearchStrings(t.ObservedBy, device)
	return i < len(t.ObservedBy) && t.ObservedBy[i] == device
}

// observe adds device to the sorted observed set; returns false if already present
func (t *Tombstone) observe(device string) bool {
	if device == "" || t.HasObserved(device) {
		return false
	}
	t.ObservedBy = append(t.ObservedBy, device)
	sort.Strings(t.ObservedBy)
	return true
}

// coveredBy reports whether every active device has observed the tombstone
func (t Tombstone) coveredBy(active []string) bool {
	for _, d := range active {
		if !t.HasObserved(d) {
			return false
		}
	}
	return true
}

// SinceQuery selects tombstones written after a watermark
type SinceQuery struct {
	OwnerID     string
	AfterToken  record.Token
	EntityTypes []string
	Limit       int
}

// Store is the tombstone half of the Storage collaborator
type Store interface {
	// InsertTombstone atomically inserts t unless a tombstone for t.Key exists,
	// in which case the existing one is returned with created=false.
	InsertTombstone(ctx context.Context, t Tombstone) (stored Tombstone, created bool, err error)

	// GetTombstone returns the primary (non-archived) tombstone for key
	GetTombstone(ctx context.Context, key record.Key) (Tombstone, error)

	// UpdateTombstone writes t if the stored revision equals t.Revision and
	// returns the stored copy with its new revision. A mismatch returns a
	// *syncerr.VersionMismatchError.
	UpdateTombstone(ctx context.Context, t Tombstone) (Tombstone, error)

	// TombstonesSince returns live tombstones with token > AfterToken, by token
	TombstonesSince(ctx context.Context, q SinceQuery) ([]Tombstone, error)

	// PurgeableTombstones returns tombstones past retention that are fully propagated
	PurgeableTombstones(ctx context.Context, now time.Time, limit int) ([]Tombstone, error)

	// ArchiveTombstones moves tombstones out of primary storage into the archive
	ArchiveTombstones(ctx context.Context, ids []string, at time.Time) error
}
