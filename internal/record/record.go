// Package record defines the versioned record shared by every synchronizable
// entity and the capability interfaces the engine components depend on.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Token is the concurrency token of a record.
// Tokens are drawn by the store from a server-wide monotonic sequence, so a
// token both identifies one content state of one record and orders writes
// across records (deltas compare tokens against a device watermark).
type Token int64

// NoToken is the base token of a client that never observed the record.
const NoToken Token = 0

// InitialEpoch is the token epoch of a freshly created record.
const InitialEpoch = 1

// Key identifies a record: ids are unique per entity type.
type Key struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

func (k Key) String() string {
	return k.EntityType + "/" + k.EntityID
}

// Valid reports whether both parts of the key are present
func (k Key) Valid() bool {
	return k.EntityType != "" && k.EntityID != ""
}

// Actor is the acting user and device stamped into audit fields.
type Actor struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
}

// HasConcurrencyToken is implemented by records carrying a concurrency token.
type HasConcurrencyToken interface {
	ConcurrencyToken() Token
}

// SoftDeletable is implemented by records that are soft-deleted instead of removed.
type SoftDeletable interface {
	IsDeleted() bool
	DeletedTime() *time.Time
}

// Auditable is implemented by records carrying creator/modifier stamps.
type Auditable interface {
	AuditInfo() Audit
}

// Audit groups the creation and modification stamps of a record
type Audit struct {
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy Actor     `json:"createdBy"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy Actor     `json:"updatedBy"`
}

// Meta is the sync metadata embedded by every synchronizable entity.
type Meta struct {
	Key
	OwnerID string `json:"ownerId"`
	Token   Token  `json:"token"`
	Epoch   int    `json:"epoch"`

	// ModifiedAt is the client-reported modification time (last-writer-wins input).
	ModifiedAt time.Time `json:"modifiedAt"`

	CreatedAt time.Time `json:"createdAt"`
	CreatedBy Actor     `json:"createdBy"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy Actor     `json:"updatedBy"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy *Actor     `json:"deletedBy,omitempty"`
}

func (m Meta) ConcurrencyToken() Token { return m.Token }

func (m Meta) IsDeleted() bool { return m.Deleted }

func (m Meta) DeletedTime() *time.Time { return m.DeletedAt }

func (m Meta) AuditInfo() Audit {
	return Audit{
		CreatedAt: m.CreatedAt,
		CreatedBy: m.CreatedBy,
		UpdatedAt: m.UpdatedAt,
		UpdatedBy: m.UpdatedBy,
	}
}

// Record is a stored entity: metadata plus opaque JSON content.
type Record struct {
	Meta
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Snapshot is a point-in-time copy of a record's content state, kept on
// conflicts for display and audit.
type Snapshot struct {
	Token      Token           `json:"token"`
	Deleted    bool            `json:"deleted"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Snapshot captures the record's current content state
func (r Record) Snapshot() Snapshot {
	return Snapshot{
		Token:      r.Token,
		Deleted:    r.Deleted,
		ModifiedAt: r.ModifiedAt,
		Payload:    cloneRaw(r.Payload),
	}
}

// Exists reports whether the record has ever been written
func (r Record) Exists() bool {
	return r.Token != NoToken
}

// Active is the read-path predicate that hides soft-deleted rows.
// Stores apply it to listing reads; detection always sees deleted rows.
func Active(r SoftDeletable) bool {
	return !r.IsDeleted()
}

// FilterActive returns the records that pass Active, preserving order
func FilterActive(recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if Active(r) {
			out = append(out, r)
		}
	}
	return out
}

// ParseToken parses a decimal token as sent on the wire
func ParseToken(v any) (Token, error) {
	switch t := v.(type) {
	case nil:
		return NoToken, nil
	case float64:
		if t < 0 || t != float64(int64(t)) {
			return NoToken, fmt.Errorf("invalid token %v", t)
		}
		return Token(t), nil
	case int64:
		return Token(t), nil
	case int:
		return Token(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil || n < 0 {
			return NoToken, fmt.Errorf("invalid token %q", t.String())
		}
		return Token(n), nil
	default:
		return NoToken, fmt.Errorf("invalid token type %T", v)
	}
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	out.Payload = cloneRaw(r.Payload)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	if r.DeletedBy != nil {
		a := *r.DeletedBy
		out.DeletedBy = &a
	}
	return out
}
