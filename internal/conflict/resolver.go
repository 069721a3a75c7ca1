package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/rs/zerolog/log"
)

// Verdict is what a resolution did to the record
type Verdict string

const (
	VerdictAcceptContent  Verdict = "accept-content"
	VerdictAcceptDeletion Verdict = "accept-deletion"
	VerdictKeepServer     Verdict = "keep-server"
	VerdictPending        Verdict = "pending"
	VerdictNoop           Verdict = "noop"
)

// Outcome is the result of Resolve
type Outcome struct {
	Verdict  Verdict
	Conflict Conflict

	// Record is the server state after resolution (nil when pending or unknown)
	Record *record.Record
	Token  record.Token

	// Redetected is set when the server moved since detection and the
	// conflict was reclassified instead of applied.
	Redetected bool
}

// Resolver applies strategies to detected conflicts
type Resolver struct {
	records    store.RecordStore
	conflicts  Store
	tombstones *tombstone.Service
	notifier   notify.Notifier
	detector   *Detector
	now        func() time.Time
}

// NewResolver wires a resolver; a nil notifier discards events
func NewResolver(records store.RecordStore, conflicts Store, tombstones *tombstone.Service, notifier notify.Notifier, detector *Detector) *Resolver {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Resolver{
		records:    records,
		conflicts:  conflicts,
		tombstones: tombstones,
		notifier:   notifier,
		detector:   detector,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests)
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// plan maps a strategy onto a verdict for the conflict type
func plan(c Conflict, s Strategy) (Verdict, error) {
	switch s {
	case StrategyServerWins:
		return VerdictKeepServer, nil

	case StrategyClientWins:
		if c.Type != TypeUpdateUpdate {
			return "", fmt.Errorf("%w: %s on %s", ErrStrategyNotApplicable, s, c.Type)
		}
		return VerdictAcceptContent, nil

	case StrategyLastWriterWins:
		// ties go to the server
		if !c.Client.ModifiedAt.After(c.Server.ModifiedAt) {
			return VerdictKeepServer, nil
		}
		switch c.Type {
		case TypeUpdateUpdate:
			return VerdictAcceptContent, nil
		case TypeDeleteUpdate:
			return VerdictAcceptDeletion, nil
		}
		// a newer update against a deletion never resurrects automatically
		return VerdictPending, nil

	case StrategyDeleteWins:
		switch c.Type {
		case TypeDeleteUpdate:
			return VerdictAcceptDeletion, nil
		case TypeUpdateDelete:
			return VerdictKeepServer, nil
		}
		return "", fmt.Errorf("%w: %s on %s", ErrStrategyNotApplicable, s, c.Type)

	case StrategyManual:
		return VerdictPending, nil

	case StrategyUndelete:
		if c.Type != TypeUpdateDelete {
			return "", fmt.Errorf("%w: %s on %s", ErrStrategyNotApplicable, s, c.Type)
		}
		return VerdictAcceptContent, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Resolve applies strategy s to an open conflict on behalf of actor.
// Writes are compare-and-swap against the server token recorded at detection;
// if the server moved, the conflict is re-detected and returned with
// Redetected set instead of being applied against a stale base.
func (r *Resolver) Resolve(ctx context.Context, c Conflict, s Strategy, actor record.Actor) (Outcome, error) {
	if !c.Status.Open() {
		return Outcome{Verdict: VerdictNoop, Conflict: c}, ErrClosed
	}
	logger := log.Ctx(ctx).With().
		Str("conflictId", c.ID).
		Str("key", c.Key.String()).
		Str("strategy", string(s)).
		Logger()

	if c.Type == TypeDeleteDelete {
		return r.finish(ctx, c, s, actor, VerdictNoop, c.Server.Token, nil)
	}
	if s == StrategyUndelete && !r.detector.policies.For(c.Key.EntityType).AllowUndelete {
		return Outcome{Verdict: VerdictPending, Conflict: c}, fmt.Errorf("%w: undelete disabled for %s", ErrStrategyNotApplicable, c.Key.EntityType)
	}

	verdict, err := plan(c, s)
	if err != nil {
		return Outcome{Verdict: VerdictPending, Conflict: c}, err
	}

	switch verdict {
	case VerdictPending:
		return r.postpone(ctx, c, s != StrategyManual)

	case VerdictKeepServer:
		cur, err := r.current(ctx, c.Key)
		if err != nil {
			return Outcome{Verdict: VerdictPending, Conflict: c}, err
		}
		if cur.Token != c.Server.Token {
			return r.redetect(ctx, c, cur.Snapshot())
		}
		var rec *record.Record
		if cur.Exists() {
			rec = &cur
		}
		return r.finish(ctx, c, s, actor, VerdictKeepServer, cur.Token, rec)
	}

	var stone *tombstone.Tombstone
	if s == StrategyUndelete {
		t, err := r.tombstones.CanRestore(ctx, c.Key)
		switch {
		case err == nil:
			stone = &t
		case errors.Is(err, syncerr.ErrNotFound):
		default:
			return Outcome{Verdict: VerdictPending, Conflict: c}, err
		}
		// without a live tombstone the server's deletion time decides
		blocked := !c.Client.ModifiedAt.After(c.Server.ModifiedAt)
		if stone != nil {
			if blocked, _, err = r.tombstones.IsResurrection(ctx, c.Key, c.Client.ModifiedAt); err != nil {
				return Outcome{Verdict: VerdictPending, Conflict: c}, err
			}
		}
		if blocked {
			return Outcome{Verdict: VerdictPending, Conflict: c}, fmt.Errorf("%w: client change is not newer than the deletion", syncerr.ErrResurrectionBlocked)
		}
	}

	c, err = r.markResolved(ctx, c, s, actor)
	if err != nil {
		return r.superseded(ctx, c, err)
	}

	res, err := r.records.CompareAndSwap(ctx, store.Write{
		Key:           c.Key,
		OwnerID:       c.OwnerID,
		ExpectedToken: c.Server.Token,
		Payload:       c.Client.Payload,
		Delete:        verdict == VerdictAcceptDeletion,
		Restore:       s == StrategyUndelete,
		Actor:         c.Actor,
		ModifiedAt:    c.Client.ModifiedAt,
	})
	if err != nil {
		return Outcome{Verdict: VerdictPending, Conflict: c}, fmt.Errorf("apply resolution: %w", err)
	}
	if !res.Applied {
		logger.Debug().
			Int64("detectedToken", int64(c.Server.Token)).
			Int64("currentToken", int64(res.Record.Token)).
			Msg("server moved since detection; re-detecting")
		return r.redetect(ctx, c, res.Record.Snapshot())
	}

	if verdict == VerdictAcceptDeletion {
		if _, err := r.tombstones.RecordDeletion(ctx, tombstone.DeletionInput{
			Key:       c.Key,
			OwnerID:   c.OwnerID,
			Actor:     c.Actor,
			Context:   tombstone.ContextSync,
			Reason:    "conflict " + c.ID + " resolved by " + string(s),
			Token:     res.Record.Token,
			DeletedAt: c.Client.ModifiedAt,
			Backup:    c.Server.Payload,
		}); err != nil {
			return Outcome{Verdict: VerdictPending, Conflict: c}, fmt.Errorf("record deletion: %w", err)
		}
	}
	if stone != nil {
		if _, err := r.tombstones.MarkRestored(ctx, c.Key, actor); err != nil {
			return Outcome{Verdict: VerdictPending, Conflict: c}, fmt.Errorf("restore tombstone: %w", err)
		}
	}

	rec := res.Record
	return r.finish(ctx, c, s, actor, verdict, rec.Token, &rec)
}

// Decide replays a reviewer's decision on a stored conflict
func (r *Resolver) Decide(ctx context.Context, id string, s Strategy, actor record.Actor) (Outcome, error) {
	c, err := r.conflicts.GetConflict(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return r.Resolve(ctx, c, s, actor)
}

// Ignore closes a conflict without touching the record; the server state stays canonical
func (r *Resolver) Ignore(ctx context.Context, id string, actor record.Actor) (Conflict, error) {
	c, err := r.conflicts.GetConflict(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	if !c.Status.Open() {
		return c, ErrClosed
	}
	now := r.now()
	c.Status = StatusIgnored
	c.ResolvedBy = &actor
	c.ResolvedAt = &now
	stored, err := r.conflicts.UpdateConflict(ctx, c)
	if err != nil {
		return Conflict{}, fmt.Errorf("ignore conflict: %w", err)
	}
	r.emit(ctx, notify.KindConflictIgnored, stored, actor, "")
	return stored, nil
}

// current returns the server state of key; a missing row is the zero record
func (r *Resolver) current(ctx context.Context, key record.Key) (record.Record, error) {
	cur, err := r.records.Get(ctx, key)
	if errors.Is(err, syncerr.ErrNotFound) {
		return record.Record{}, nil
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("load record: %w", err)
	}
	return cur, nil
}

func (r *Resolver) markResolved(ctx context.Context, c Conflict, s Strategy, actor record.Actor) (Conflict, error) {
	now := r.now()
	c.Status = StatusResolved
	c.Strategy = s
	c.ResolvedBy = &actor
	c.ResolvedAt = &now
	c.ResolutionAttempts++
	stored, err := r.conflicts.UpdateConflict(ctx, c)
	if err != nil {
		return c, fmt.Errorf("mark resolved: %w", err)
	}
	return stored, nil
}

// superseded handles a lost race on the conflict row by reloading it
func (r *Resolver) superseded(ctx context.Context, c Conflict, err error) (Outcome, error) {
	if !errors.Is(err, syncerr.ErrStaleVersion) {
		return Outcome{Verdict: VerdictPending, Conflict: c}, err
	}
	fresh, gerr := r.conflicts.GetConflict(ctx, c.ID)
	if gerr != nil {
		return Outcome{Verdict: VerdictPending, Conflict: c}, gerr
	}
	return Outcome{Verdict: VerdictPending, Conflict: fresh, Redetected: true}, nil
}

func (r *Resolver) redetect(ctx context.Context, c Conflict, current record.Snapshot) (Outcome, error) {
	next := r.detector.Refresh(c, current)
	next.Strategy = ""
	next.ResolvedBy = nil
	next.ResolvedAt = nil
	stored, err := r.conflicts.UpdateConflict(ctx, next)
	if err != nil {
		return r.superseded(ctx, c, err)
	}
	log.Ctx(ctx).Info().
		Str("conflictId", c.ID).
		Str("key", c.Key.String()).
		Str("type", string(stored.Type)).
		Int64("serverToken", int64(current.Token)).
		Msg("conflict re-detected")
	return Outcome{Verdict: VerdictPending, Conflict: stored, Redetected: true}, nil
}

// postpone leaves the conflict for a human and notifies once
func (r *Resolver) postpone(ctx context.Context, c Conflict, escalated bool) (Outcome, error) {
	next := c
	next.Status = StatusDetected
	next.Strategy = StrategyManual
	if !c.Notified {
		kind := notify.KindManualConflict
		if err := r.notifier.Notify(ctx, r.event(kind, c, c.Actor, "")); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("conflictId", c.ID).Msg("manual conflict notification failed")
		} else {
			now := r.now()
			next.Notified = true
			next.NotifiedAt = &now
		}
	}
	if next.Strategy == c.Strategy && next.Notified == c.Notified && next.Status == c.Status {
		return Outcome{Verdict: VerdictPending, Conflict: c}, nil
	}
	stored, err := r.conflicts.UpdateConflict(ctx, next)
	if err != nil {
		return r.superseded(ctx, c, err)
	}
	if escalated {
		log.Ctx(ctx).Info().
			Str("conflictId", c.ID).
			Str("key", c.Key.String()).
			Str("type", string(c.Type)).
			Msg("conflict escalated to manual review")
	}
	return Outcome{Verdict: VerdictPending, Conflict: stored}, nil
}

func (r *Resolver) finish(ctx context.Context, c Conflict, s Strategy, actor record.Actor, v Verdict, token record.Token, rec *record.Record) (Outcome, error) {
	now := r.now()
	c.Status = StatusApplied
	c.Strategy = s
	c.ResolvedBy = &actor
	if c.ResolvedAt == nil {
		c.ResolvedAt = &now
	}
	c.AppliedAt = &now
	c.ResolvedToken = token
	stored, err := r.conflicts.UpdateConflict(ctx, c)
	if err != nil {
		return Outcome{Verdict: v, Conflict: c, Record: rec, Token: token}, fmt.Errorf("close conflict: %w", err)
	}
	r.emit(ctx, notify.KindConflictResolved, stored, actor, v)
	return Outcome{Verdict: v, Conflict: stored, Record: rec, Token: token}, nil
}

func (r *Resolver) event(kind notify.Kind, c Conflict, actor record.Actor, v Verdict) notify.Event {
	client, server := c.Client, c.Server
	return notify.Event{
		Kind:         kind,
		ConflictID:   c.ID,
		Key:          c.Key,
		OwnerID:      c.OwnerID,
		Actor:        actor,
		ConflictType: string(c.Type),
		Strategy:     string(c.Strategy),
		Decision:     string(v),
		Severity:     c.Severity,
		Client:       &client,
		Server:       &server,
		At:           r.now(),
	}
}

// emit sends a best-effort notification
func (r *Resolver) emit(ctx context.Context, kind notify.Kind, c Conflict, actor record.Actor, v Verdict) {
	if err := r.notifier.Notify(ctx, r.event(kind, c, actor, v)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("conflictId", c.ID).Str("event", string(kind)).Msg("notification failed")
	}
}
