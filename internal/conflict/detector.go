package conflict

import (
	"time"

	"github.com/erauner12/syncengine/internal/record"
	"github.com/google/uuid"
)

// DetectInput is the comparison the detector classifies
type DetectInput struct {
	Key             record.Key
	ClientBaseToken record.Token
	ClientIsDelete  bool
	ServerToken     record.Token
	ServerIsDeleted bool
}

// Decision is the detector's verdict
type Decision struct {
	Conflict bool
	Type     Type
}

// NoOp reports whether the change needs no write (both sides delete)
func (d Decision) NoOp() bool {
	return d.Conflict && d.Type == TypeDeleteDelete
}

// Detector classifies incoming changes against the server state
type Detector struct {
	policies Policies
	now      func() time.Time
}

// NewDetector creates a detector that stamps severity and priority from policies
func NewDetector(policies Policies) *Detector {
	return &Detector{
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests)
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Policies returns the configured policies
func (d *Detector) Policies() Policies {
	return d.policies
}

// Detect classifies a change. Matching tokens mean the client's view was
// current, except that an update against a deleted server record is always
// update-delete: only an explicit undelete may bring the record back.
func (d *Detector) Detect(in DetectInput) Decision {
	if in.ServerIsDeleted {
		if in.ClientIsDelete {
			return Decision{Conflict: true, Type: TypeDeleteDelete}
		}
		return Decision{Conflict: true, Type: TypeUpdateDelete}
	}
	if in.ClientBaseToken == in.ServerToken {
		return Decision{}
	}
	if in.ClientIsDelete {
		return Decision{Conflict: true, Type: TypeDeleteUpdate}
	}
	return Decision{Conflict: true, Type: TypeUpdateUpdate}
}

// classify derives the type from which sides delete
func classify(clientDelete, serverDeleted bool) Type {
	switch {
	case clientDelete && serverDeleted:
		return TypeDeleteDelete
	case clientDelete:
		return TypeDeleteUpdate
	case serverDeleted:
		return TypeUpdateDelete
	}
	return TypeUpdateUpdate
}

// New builds a detected conflict between ch and the server state
func (d *Detector) New(ch Change, ownerID string, actor record.Actor, server record.Snapshot, t Type) Conflict {
	now := d.now()
	p := d.policies.For(ch.Key.EntityType)
	return Conflict{
		ID:             uuid.New().String(),
		Key:            ch.Key,
		OwnerID:        ownerID,
		Actor:          actor,
		Client:         ch.Snapshot(),
		Server:         server,
		Type:           t,
		Status:         StatusDetected,
		Severity:       p.Severity,
		Priority:       p.Priority,
		DetectedAt:     now,
		LastDetectedAt: now,
	}
}

// Absorb merges a colliding change into an open conflict. The previous client
// side-state moves to the history, the newest one is shown, and the original
// detection time is kept.
func (d *Detector) Absorb(existing Conflict, ch Change, actor record.Actor) Conflict {
	now := d.now()
	out := existing
	out.ClientStates = append(append([]ClientState(nil), existing.ClientStates...), ClientState{
		Snapshot:   existing.Client,
		Actor:      existing.Actor,
		ReceivedAt: existing.LastDetectedAt,
	})
	out.Client = ch.Snapshot()
	out.Actor = actor
	out.Type = classify(ch.Delete, existing.Server.Deleted)
	out.Status = StatusDetected
	out.Strategy = ""
	out.LastDetectedAt = now
	return out
}

// Refresh re-detects a conflict against a newer server state
func (d *Detector) Refresh(c Conflict, current record.Snapshot) Conflict {
	out := c
	out.Server = current
	out.Type = classify(c.Client.Deleted, current.Deleted)
	out.Status = StatusDetected
	out.LastDetectedAt = d.now()
	return out
}
