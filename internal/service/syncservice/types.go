package syncservice

import (
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/syncx"
)

// Batch is the client's outbound change set
type Batch struct {
	Changes []conflict.Change

	// Rejected marks positions whose item could not be decoded at the
	// transport edge; the reason is reported in that position's ack.
	Rejected map[int]string
}

// DecodeBatch extracts changes from client JSON, keeping every position so
// that malformed items are reported in place.
func DecodeBatch(items []map[string]any) Batch {
	b := Batch{Changes: make([]conflict.Change, len(items))}
	for i, item := range items {
		ch, err := syncx.ExtractChange(item)
		if err != nil {
			if b.Rejected == nil {
				b.Rejected = make(map[int]string)
			}
			b.Rejected[i] = err.Error()
			continue
		}
		b.Changes[i] = ch
	}
	return b
}

// AckStatus is the per-change outcome
type AckStatus string

const (
	AckApplied  AckStatus = "applied"
	AckResolved AckStatus = "resolved"
	AckConflict AckStatus = "conflict"
	AckNoop     AckStatus = "noop"
	AckRejected AckStatus = "rejected"
	AckFailed   AckStatus = "failed"
)

// Ack reports what happened to one change of the batch
type Ack struct {
	Index  int        `json:"index"`
	Key    record.Key `json:"key"`
	Seq    int64      `json:"seq,omitempty"`
	Status AckStatus  `json:"status"`

	// Token is the server token of the record after processing
	Token record.Token `json:"token,omitempty"`

	ConflictID   string           `json:"conflictId,omitempty"`
	ConflictType conflict.Type    `json:"conflictType,omitempty"`
	Verdict      conflict.Verdict `json:"verdict,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Deletion is a delta entry telling the device to drop a record
type Deletion struct {
	Key       record.Key    `json:"key"`
	Token     record.Token  `json:"token"`
	DeletedAt time.Time     `json:"deletedAt"`
	DeletedBy *record.Actor `json:"deletedBy,omitempty"`
	Context   string        `json:"context,omitempty"`
}

// Delta is the authoritative server change set for a device
type Delta struct {
	Upserts []record.Record `json:"upserts"`
	Deletes []Deletion      `json:"deletes"`

	// HighWater is the highest token included; it becomes the watermark
	// once the session ends successfully.
	HighWater  record.Token `json:"highWater"`
	HasMore    bool         `json:"hasMore"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// Size counts the delivered items
func (d Delta) Size() int {
	return len(d.Upserts) + len(d.Deletes)
}

// Result is returned from Sync
type Result struct {
	SessionID string  `json:"sessionId"`
	State     State   `json:"state"`
	States    []State `json:"states"`
	Acks      []Ack   `json:"acks"`
	Delta     Delta   `json:"delta"`

	// Pending lists the user's conflicts awaiting manual resolution
	Pending []conflict.Conflict `json:"pending"`

	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}
