// Package notify is the Notification collaborator: the engine emits events
// about conflicts and resolver decisions; rendering them is someone else's job.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/erauner12/syncengine/internal/record"
	"github.com/rs/zerolog/log"
)

// Kind identifies an event
type Kind string

const (
	KindManualConflict   Kind = "conflict.manual"
	KindConflictResolved Kind = "conflict.resolved"
	KindConflictIgnored  Kind = "conflict.ignored"
	KindRecordRestored   Kind = "record.restored"
)

// Event is a user-facing notification about one record
type Event struct {
	Kind       Kind         `json:"kind"`
	ConflictID string       `json:"conflictId,omitempty"`
	Key        record.Key   `json:"key"`
	OwnerID    string       `json:"ownerId"`
	Actor      record.Actor `json:"actor"`

	ConflictType string `json:"conflictType,omitempty"`
	Strategy     string `json:"strategy,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Severity     int    `json:"severity,omitempty"`

	Client *record.Snapshot `json:"client,omitempty"`
	Server *record.Snapshot `json:"server,omitempty"`

	At time.Time `json:"at"`
}

// Notifier receives events
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the contextual zerolog logger
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	e := log.Ctx(ctx).Info()
	if ev.Kind == KindManualConflict {
		e = log.Ctx(ctx).Warn()
	}
	e.Str("event", string(ev.Kind)).
		Str("key", ev.Key.String()).
		Str("ownerId", ev.OwnerID).
		Str("conflictId", ev.ConflictID).
		Str("conflictType", ev.ConflictType).
		Str("strategy", ev.Strategy).
		Str("decision", ev.Decision).
		Int("severity", ev.Severity).
		Msg("sync notification")
	return nil
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of kind k
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// Multi fans an event out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
