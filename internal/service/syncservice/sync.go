package syncservice

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// errForeignRecord rejects changes to records owned by another user
var errForeignRecord = errors.New("record belongs to another user")

// maxCASAttempts bounds reloads when a concurrent writer moves a record
// between the read and the compare-and-swap
const maxCASAttempts = 3

// keyGroup is one record's changes in processing order
type keyGroup struct {
	key     record.Key
	indexes []int

	// open is the record's unresolved conflict after detection
	open *conflict.Conflict
}

// step is the detection outcome of one change
type step struct {
	status   AckStatus
	token    record.Token
	conflict *conflict.Conflict

	// note is reported in the ack's error field without failing the change
	note string
}

// Sync processes one outbound batch of a running session and returns the
// acks plus the server delta for the device.
//
// Changes are applied in client sequence order. Different records are
// processed concurrently; changes to one record never are. Per-record
// failures are reported in the acks and leave the batch in partial-failure.
// A fatal or exhausted storage failure ends the session as failed (or
// partial-failure when some writes already committed) without advancing
// the device watermark.
func (s *Service) Sync(ctx context.Context, id identity.Identity, h session.Handle, b Batch) (Result, error) {
	m := newMachine()
	res := Result{SessionID: h.ID, State: StateIdle, Acks: make([]Ack, len(b.Changes))}
	if err := s.owns(id, h); err != nil {
		return res, err
	}

	logger := log.Ctx(ctx).With().
		Str("sessionId", h.ID).
		Str("userId", id.UserID).
		Str("deviceId", id.DeviceID).
		Logger()
	ctx = logger.WithContext(ctx)

	if err := s.validate(ctx, h); err != nil {
		return res, err
	}
	if s.opts.MaxBatch > 0 && len(b.Changes) > s.opts.MaxBatch {
		return res, fmt.Errorf("%w: batch of %d changes exceeds limit %d", syncerr.ErrInvalidBatch, len(b.Changes), s.opts.MaxBatch)
	}

	_ = m.to(StatePulling)
	groups := s.group(h, b, res.Acks)

	if len(groups) > 0 {
		_ = m.to(StateDetecting)
		if err := s.forEachGroup(ctx, groups, func(ctx context.Context, g *keyGroup) error {
			return s.detectGroup(ctx, id, g, b.Changes, res.Acks)
		}); err != nil {
			return s.abort(ctx, m, h, b, &res, err)
		}

		_ = m.to(StateResolving)
		if err := s.forEachGroup(ctx, groups, func(ctx context.Context, g *keyGroup) error {
			return s.resolveGroup(ctx, id, g, res.Acks)
		}); err != nil {
			return s.abort(ctx, m, h, b, &res, err)
		}
	}

	_ = m.to(StateApplying)
	if h.Direction != session.DirectionPush {
		entry, err := s.entry(ctx, h)
		if err != nil {
			return s.abort(ctx, m, h, b, &res, err)
		}
		res.Delta, err = s.delta(ctx, id, h, afterToken(entry), s.opts.PageSize)
		if err != nil {
			return s.abort(ctx, m, h, b, &res, err)
		}
	} else {
		res.Delta = emptyDelta(0)
	}

	pending, err := s.pending(ctx, id.UserID, "", s.opts.PageSize)
	if err != nil {
		return s.abort(ctx, m, h, b, &res, err)
	}
	res.Pending = pending

	res.tally()
	err = s.retry(ctx, "checkpoint session", func() error {
		return s.tracker.Checkpoint(ctx, h, session.Progress{
			Delivered:     res.Delta.HighWater,
			ItemsSent:     len(b.Changes),
			ItemsReceived: res.Delta.Size(),
			Errors:        res.Errors,
			Conflicts:     res.Conflicts,
			Writes:        writes(b.Changes, res.Acks),
		})
	})
	if err != nil {
		return s.abort(ctx, m, h, b, &res, err)
	}

	final := StateCompleted
	if res.Errors > 0 {
		final = StatePartialFailure
	}
	_ = m.to(final)
	res.State = m.state()
	res.States = m.walk()

	logger.Info().
		Int("changes", len(b.Changes)).
		Int("applied", res.Applied).
		Int("conflicts", res.Conflicts).
		Int("errors", res.Errors).
		Int("delta", res.Delta.Size()).
		Str("state", string(res.State)).
		Msg("sync batch processed")
	return res, nil
}

// writes splits the batch's acks into record writes. acks[i] answers
// changes[i]. Noop, rejected and overruled changes are skipped; failed ones
// count as errors.
func writes(changes []conflict.Change, acks []Ack) session.Writes {
	var w session.Writes
	for i, a := range acks {
		if i >= len(changes) {
			break
		}
		ch := changes[i]
		switch a.Status {
		case AckApplied:
			switch {
			case ch.Delete:
				w.Deleted++
			case ch.BaseToken == record.NoToken:
				w.Created++
			default:
				w.Updated++
			}
		case AckResolved:
			switch a.Verdict {
			case conflict.VerdictAcceptDeletion:
				w.Deleted++
			case conflict.VerdictAcceptContent:
				w.Updated++
			default:
				w.Skipped++
			}
		case AckNoop, AckRejected:
			w.Skipped++
		}
	}
	return w
}

// tally derives the batch counters from the acks
func (r *Result) tally() {
	r.Applied, r.Conflicts, r.Errors = 0, 0, 0
	for _, a := range r.Acks {
		switch a.Status {
		case AckApplied, AckResolved:
			r.Applied++
		case AckConflict:
			r.Conflicts++
		case AckRejected, AckFailed:
			r.Errors++
		}
	}
}

// abort ends the session after a batch-fatal error. The session write uses a
// context detached from cancellation so a cancelled request still records
// its outcome.
func (s *Service) abort(ctx context.Context, m *machine, h session.Handle, b Batch, res *Result, cause error) (Result, error) {
	res.tally()
	status := session.StatusFailed
	final := StateFailed
	if res.Applied > 0 {
		status = session.StatusPartialFailure
		final = StatePartialFailure
	}
	_ = m.to(final)
	res.State = m.state()
	res.States = m.walk()

	endCtx := context.WithoutCancel(ctx)
	err := s.tracker.EndSession(endCtx, h, session.EndInput{
		Status:     status,
		ErrorCount: res.Errors + 1,
		ItemsSent:  len(res.Acks),
		Writes:     writes(b.Changes, res.Acks),
		Notes:      cause.Error(),
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("sessionId", h.ID).Msg("failed to end aborted session")
	}
	log.Ctx(ctx).Error().Err(cause).
		Str("state", string(res.State)).
		Int("applied", res.Applied).
		Msg("sync batch aborted")
	return *res, fmt.Errorf("sync aborted: %w", cause)
}

// validate checks the handle is the device's running session
func (s *Service) validate(ctx context.Context, h session.Handle) error {
	_, err := s.entry(ctx, h)
	return err
}

func (s *Service) entry(ctx context.Context, h session.Handle) (session.Entry, error) {
	var entry session.Entry
	err := s.retry(ctx, "validate session", func() error {
		var err error
		entry, err = s.tracker.Validate(ctx, h)
		return err
	})
	return entry, err
}

// afterToken is where the next delta starts: past everything delivered,
// including earlier batches of the running session
func afterToken(e session.Entry) record.Token {
	if e.PendingWatermark > e.Watermark {
		return e.PendingWatermark
	}
	return e.Watermark
}

// group validates positions and buckets accepted changes per record,
// ordered by client sequence with batch position breaking ties.
func (s *Service) group(h session.Handle, b Batch, acks []Ack) []*keyGroup {
	order := make([]int, 0, len(b.Changes))
	for i, ch := range b.Changes {
		acks[i] = Ack{Index: i, Key: ch.Key, Seq: ch.Seq}
		reason := ""
		switch {
		case b.Rejected[i] != "":
			reason = b.Rejected[i]
		case !ch.Key.Valid():
			reason = "missing entity type or id"
		case h.Direction == session.DirectionPull:
			reason = "session direction is pull"
		case !store.Matches(h.Scope.Filter(), ch.Key.EntityType):
			reason = fmt.Sprintf("entity type %q is outside the session scope", ch.Key.EntityType)
		case !ch.Delete && len(ch.Payload) == 0:
			reason = "update without payload"
		}
		if reason != "" {
			acks[i].Status = AckRejected
			acks[i].Error = (&syncerr.InvalidChangeError{Index: i, Reason: reason}).Error()
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, c int) bool {
		return b.Changes[order[a]].Seq < b.Changes[order[c]].Seq
	})

	byKey := make(map[record.Key]*keyGroup)
	var groups []*keyGroup
	for _, i := range order {
		k := b.Changes[i].Key
		g, ok := byKey[k]
		if !ok {
			g = &keyGroup{key: k}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.indexes = append(g.indexes, i)
	}
	return groups
}

// forEachGroup runs fn over groups with bounded parallelism. The first
// error cancels the remaining work.
func (s *Service) forEachGroup(ctx context.Context, groups []*keyGroup, fn func(context.Context, *keyGroup) error) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Parallelism)
	for _, g := range groups {
		eg.Go(func() error {
			return fn(gctx, g)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// fatal reports whether err must abort the batch rather than fail one ack
func fatal(err error) bool {
	return syncerr.IsFatal(err) || syncerr.IsRetryable(err)
}

// detectGroup applies or records a conflict for each change of one record
func (s *Service) detectGroup(ctx context.Context, id identity.Identity, g *keyGroup, changes []conflict.Change, acks []Ack) error {
	// consecutive edits built on the same base chain onto this batch's own write
	var chainBase, chainToken record.Token
	chained := false

	for _, i := range g.indexes {
		ch := changes[i]
		if chained && ch.BaseToken == chainBase {
			ch.BaseToken = chainToken
		}

		st, err := s.detectChange(ctx, id, ch)
		if err != nil {
			if fatal(err) {
				return err
			}
			acks[i].Status = AckFailed
			if errors.Is(err, errForeignRecord) || errors.Is(err, syncerr.ErrInvalidBatch) {
				acks[i].Status = AckRejected
			}
			acks[i].Error = err.Error()
			log.Ctx(ctx).Warn().Err(err).Str("key", ch.Key.String()).Int("index", i).Msg("change failed")
			continue
		}

		acks[i].Status = st.status
		acks[i].Token = st.token
		acks[i].Error = st.note
		if st.conflict != nil {
			c := *st.conflict
			g.open = &c
			acks[i].ConflictID = c.ID
			acks[i].ConflictType = c.Type
		}
		if st.status == AckApplied {
			chained, chainBase, chainToken = true, changes[i].BaseToken, st.token
		} else {
			chained = false
		}
	}
	return nil
}

// detectChange classifies one change against the server and either applies
// it, absorbs it into an open conflict or records a new conflict.
func (s *Service) detectChange(ctx context.Context, id identity.Identity, ch conflict.Change) (step, error) {
	actor := id.Actor()

	var open conflict.Conflict
	err := s.retry(ctx, "load open conflict", func() error {
		var err error
		open, err = s.store.OpenConflict(ctx, ch.Key)
		return err
	})
	switch {
	case err == nil:
		if open.OwnerID != id.UserID {
			return step{}, errForeignRecord
		}
		c, err := s.absorb(ctx, open, ch, actor)
		if err != nil {
			return step{}, err
		}
		return step{status: AckConflict, token: c.Server.Token, conflict: &c}, nil
	case !errors.Is(err, syncerr.ErrNotFound):
		return step{}, err
	}

	for attempt := 1; ; attempt++ {
		srv, err := s.serverState(ctx, id, ch)
		if err != nil {
			return step{}, err
		}

		d := s.detector.Detect(conflict.DetectInput{
			Key:             ch.Key,
			ClientBaseToken: ch.BaseToken,
			ClientIsDelete:  ch.Delete,
			ServerToken:     srv.snap.Token,
			ServerIsDeleted: srv.snap.Deleted,
		})

		if d.NoOp() {
			return s.confirmDeletion(ctx, id, ch, srv)
		}

		if d.Conflict {
			blocked := false
			if !ch.Delete && srv.snap.Deleted {
				err := s.retry(ctx, "check resurrection", func() error {
					var err error
					blocked, _, err = s.tombstones.IsResurrection(ctx, ch.Key, ch.ModifiedAt)
					return err
				})
				if err != nil {
					return step{}, err
				}
			}
			st, err := s.recordConflict(ctx, id, ch, srv.snap, d.Type)
			if err != nil || !blocked {
				return st, err
			}
			// not newer than the deletion, so no resolution can bring the record back
			log.Ctx(ctx).Info().
				Str("key", ch.Key.String()).
				Str("conflictId", st.conflict.ID).
				Msg("update older than deletion held as conflict")
			st.note = syncerr.ErrResurrectionBlocked.Error()
			return st, nil
		}

		if ch.Delete && !srv.rec.Exists() {
			// never stored; nothing to delete
			return step{status: AckNoop}, nil
		}

		var res store.CASResult
		err = s.retry(ctx, "compare and swap", func() error {
			var err error
			res, err = s.store.CompareAndSwap(ctx, store.Write{
				Key:           ch.Key,
				OwnerID:       id.UserID,
				ExpectedToken: srv.snap.Token,
				Payload:       ch.Payload,
				Delete:        ch.Delete,
				Actor:         actor,
				ModifiedAt:    ch.ModifiedAt,
			})
			return err
		})
		switch {
		case errors.Is(err, syncerr.ErrResurrectionBlocked) && attempt < maxCASAttempts:
			continue
		case err != nil:
			return step{}, err
		}

		if !res.Applied {
			if attempt < maxCASAttempts {
				log.Ctx(ctx).Debug().
					Str("key", ch.Key.String()).
					Int64("expected", int64(srv.snap.Token)).
					Int64("current", int64(res.Record.Token)).
					Msg("record moved before write; re-detecting")
				continue
			}
			return s.recordConflict(ctx, id, ch, res.Record.Snapshot(), conflict.TypeUpdateUpdate)
		}

		if ch.Delete {
			if _, err := s.tombstones.RecordDeletion(ctx, tombstone.DeletionInput{
				Key:       ch.Key,
				OwnerID:   id.UserID,
				Actor:     actor,
				Context:   tombstone.ContextUserAction,
				Token:     res.Record.Token,
				DeletedAt: ch.ModifiedAt,
				Backup:    srv.rec.Payload,
			}); err != nil {
				return step{}, fmt.Errorf("record deletion: %w", err)
			}
		}
		return step{status: AckApplied, token: res.Record.Token}, nil
	}
}

// serverView is the server side of a comparison
type serverView struct {
	rec   record.Record
	stone *tombstone.Tombstone
	snap  record.Snapshot
}

// serverState loads the record, falling back to its tombstone. A row that
// is gone while the client holds a base token was purged and counts as
// deleted.
func (s *Service) serverState(ctx context.Context, id identity.Identity, ch conflict.Change) (serverView, error) {
	var v serverView
	err := s.retry(ctx, "load record", func() error {
		var err error
		v.rec, err = s.store.Get(ctx, ch.Key)
		if errors.Is(err, syncerr.ErrNotFound) {
			v.rec = record.Record{}
			return nil
		}
		return err
	})
	if err != nil {
		return v, err
	}
	if v.rec.Exists() {
		if v.rec.OwnerID != id.UserID {
			return v, errForeignRecord
		}
		v.snap = v.rec.Snapshot()
		if v.rec.Deleted {
			v.stone = s.liveStone(ctx, ch.Key)
		}
		return v, nil
	}

	if stone := s.liveStone(ctx, ch.Key); stone != nil {
		if stone.OwnerID != id.UserID {
			return v, errForeignRecord
		}
		v.stone = stone
		v.snap = record.Snapshot{Token: stone.Token, Deleted: true, ModifiedAt: stone.DeletedAt, Payload: stone.Backup}
		return v, nil
	}
	if ch.BaseToken != record.NoToken {
		v.snap = record.Snapshot{Deleted: true}
	}
	return v, nil
}

// liveStone returns the key's live tombstone, if any
func (s *Service) liveStone(ctx context.Context, key record.Key) *tombstone.Tombstone {
	var t tombstone.Tombstone
	err := s.retry(ctx, "load tombstone", func() error {
		var err error
		t, err = s.tombstones.Get(ctx, key)
		return err
	})
	if err != nil {
		if !errors.Is(err, syncerr.ErrNotFound) {
			log.Ctx(ctx).Warn().Err(err).Str("key", key.String()).Msg("tombstone lookup failed")
		}
		return nil
	}
	return &t
}

// confirmDeletion handles a delete of an already deleted record: nothing is
// written, the device joins the tombstone's observed set.
func (s *Service) confirmDeletion(ctx context.Context, id identity.Identity, ch conflict.Change, srv serverView) (step, error) {
	if srv.stone != nil {
		err := s.retry(ctx, "record deletion", func() error {
			_, err := s.tombstones.RecordDeletion(ctx, tombstone.DeletionInput{
				Key:       ch.Key,
				OwnerID:   srv.stone.OwnerID,
				Actor:     id.Actor(),
				Context:   srv.stone.Context,
				Token:     srv.stone.Token,
				DeletedAt: srv.stone.DeletedAt,
			})
			return err
		})
		if err != nil {
			return step{}, err
		}
	}
	return step{status: AckNoop, token: srv.snap.Token}, nil
}

// recordConflict persists a new conflict, or joins the one another writer
// opened for the same record in the meantime
func (s *Service) recordConflict(ctx context.Context, id identity.Identity, ch conflict.Change, server record.Snapshot, t conflict.Type) (step, error) {
	c := s.detector.New(ch, id.UserID, id.Actor(), server, t)
	var (
		stored  conflict.Conflict
		created bool
	)
	err := s.retry(ctx, "create conflict", func() error {
		var err error
		stored, created, err = s.store.CreateConflict(ctx, c)
		return err
	})
	if err != nil {
		return step{}, err
	}
	if !created {
		stored, err = s.absorb(ctx, stored, ch, id.Actor())
		if err != nil {
			return step{}, err
		}
	} else {
		log.Ctx(ctx).Info().
			Str("conflictId", stored.ID).
			Str("key", ch.Key.String()).
			Str("type", string(t)).
			Int64("baseToken", int64(ch.BaseToken)).
			Int64("serverToken", int64(server.Token)).
			Msg("conflict detected")
	}
	return step{status: AckConflict, token: server.Token, conflict: &stored}, nil
}

// absorb folds ch into an open conflict, reloading on revision races
func (s *Service) absorb(ctx context.Context, c conflict.Conflict, ch conflict.Change, actor record.Actor) (conflict.Conflict, error) {
	for attempt := 1; ; attempt++ {
		next := s.detector.Absorb(c, ch, actor)
		var stored conflict.Conflict
		err := s.retry(ctx, "absorb conflict", func() error {
			var err error
			stored, err = s.store.UpdateConflict(ctx, next)
			return err
		})
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, syncerr.ErrStaleVersion) || attempt >= maxCASAttempts {
			return conflict.Conflict{}, fmt.Errorf("absorb into conflict %s: %w", c.ID, err)
		}
		err = s.retry(ctx, "reload conflict", func() error {
			var err error
			c, err = s.store.GetConflict(ctx, c.ID)
			return err
		})
		if err != nil {
			return conflict.Conflict{}, err
		}
		if !c.Status.Open() {
			return conflict.Conflict{}, fmt.Errorf("conflict %s closed concurrently: %w", c.ID, syncerr.ErrStaleVersion)
		}
	}
}

// resolveGroup applies the configured strategy to the record's conflict and
// updates the acks that were waiting on it
func (s *Service) resolveGroup(ctx context.Context, id identity.Identity, g *keyGroup, acks []Ack) error {
	if g.open == nil {
		return nil
	}
	out, err := s.resolve(ctx, *g.open, "", id.Actor())
	if err != nil {
		if fatal(err) {
			return err
		}
		log.Ctx(ctx).Warn().Err(err).Str("conflictId", g.open.ID).Msg("automatic resolution failed; conflict stays open")
		out = conflict.Outcome{Verdict: conflict.VerdictPending, Conflict: *g.open}
	}

	for _, i := range g.indexes {
		if acks[i].Status != AckConflict {
			continue
		}
		acks[i].ConflictID = out.Conflict.ID
		acks[i].ConflictType = out.Conflict.Type
		acks[i].Verdict = out.Verdict
		if out.Verdict == conflict.VerdictPending {
			continue
		}
		acks[i].Status = AckResolved
		acks[i].Token = out.Token
	}
	return nil
}

// resolve runs a strategy to completion. An empty strategy is taken from
// policy for the conflict type, and again after every re-detection since the
// type may have changed. A strategy that does not fit the type falls back to
// manual review.
func (s *Service) resolve(ctx context.Context, c conflict.Conflict, strategy conflict.Strategy, actor record.Actor) (conflict.Outcome, error) {
	fromPolicy := strategy == ""
	pick := func(c conflict.Conflict) conflict.Strategy {
		if fromPolicy {
			return s.detector.Policies().For(c.Key.EntityType).StrategyFor(c.Type)
		}
		return strategy
	}

	next := pick(c)
	var out conflict.Outcome
	for attempt := 1; ; attempt++ {
		err := s.retry(ctx, "resolve conflict", func() error {
			var err error
			out, err = s.resolver.Resolve(ctx, c, next, actor)
			return err
		})
		switch {
		case errors.Is(err, conflict.ErrClosed):
			return out, nil
		case errors.Is(err, conflict.ErrStrategyNotApplicable) && fromPolicy && next != conflict.StrategyManual:
			log.Ctx(ctx).Info().
				Str("conflictId", c.ID).
				Str("strategy", string(next)).
				Str("type", string(c.Type)).
				Msg("strategy does not apply; escalating to manual")
			next = conflict.StrategyManual
			continue
		case err != nil:
			return out, err
		}

		if !out.Redetected || attempt >= s.opts.MaxResolveAttempts {
			return out, nil
		}
		c = out.Conflict
		next = pick(c)
	}
}
