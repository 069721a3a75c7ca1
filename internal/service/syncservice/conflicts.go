package syncservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/rs/zerolog/log"
)

// PendingConflicts lists the user's open conflicts, oldest first
func (s *Service) PendingConflicts(ctx context.Context, id identity.Identity, entityType string, limit int) ([]conflict.Conflict, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.opts.PageSize {
		limit = s.opts.PageSize
	}
	return s.pending(ctx, id.UserID, entityType, limit)
}

func (s *Service) pending(ctx context.Context, userID, entityType string, limit int) ([]conflict.Conflict, error) {
	var out []conflict.Conflict
	err := s.retry(ctx, "list conflicts", func() error {
		var err error
		out, err = s.store.ListConflicts(ctx, conflict.Filter{
			OwnerID:    userID,
			EntityType: entityType,
			Statuses:   []conflict.Status{conflict.StatusDetected, conflict.StatusResolved},
			Limit:      limit,
		})
		return err
	})
	if out == nil {
		out = []conflict.Conflict{}
	}
	return out, err
}

// GetConflict returns one of the user's conflicts
func (s *Service) GetConflict(ctx context.Context, id identity.Identity, conflictID string) (conflict.Conflict, error) {
	if err := id.Validate(); err != nil {
		return conflict.Conflict{}, err
	}
	var c conflict.Conflict
	err := s.retry(ctx, "load conflict", func() error {
		var err error
		c, err = s.store.GetConflict(ctx, conflictID)
		return err
	})
	if err != nil {
		return conflict.Conflict{}, err
	}
	if c.OwnerID != id.UserID {
		return conflict.Conflict{}, syncerr.ErrNotFound
	}
	return c, nil
}

// ResolveConflict applies a reviewer's strategy to an open conflict
func (s *Service) ResolveConflict(ctx context.Context, id identity.Identity, conflictID string, strategy conflict.Strategy) (conflict.Outcome, error) {
	if strategy == "" {
		return conflict.Outcome{}, fmt.Errorf("%w: strategy required", conflict.ErrUnknownStrategy)
	}
	c, err := s.GetConflict(ctx, id, conflictID)
	if err != nil {
		return conflict.Outcome{}, err
	}
	if !c.Status.Open() {
		return conflict.Outcome{Verdict: conflict.VerdictNoop, Conflict: c}, conflict.ErrClosed
	}
	out, err := s.resolve(ctx, c, strategy, id.Actor())
	if err != nil {
		return out, err
	}
	log.Ctx(ctx).Info().
		Str("conflictId", c.ID).
		Str("strategy", string(strategy)).
		Str("verdict", string(out.Verdict)).
		Bool("redetected", out.Redetected).
		Msg("conflict decided")
	return out, nil
}

// IgnoreConflict closes a conflict keeping the server state
func (s *Service) IgnoreConflict(ctx context.Context, id identity.Identity, conflictID string) (conflict.Conflict, error) {
	if _, err := s.GetConflict(ctx, id, conflictID); err != nil {
		return conflict.Conflict{}, err
	}
	var c conflict.Conflict
	err := s.retry(ctx, "ignore conflict", func() error {
		var err error
		c, err = s.resolver.Ignore(ctx, conflictID, id.Actor())
		return err
	})
	return c, err
}

// RestoreRecord brings a soft-deleted record back from its tombstone. The
// record starts a new token epoch and the tombstone can only be restored once.
func (s *Service) RestoreRecord(ctx context.Context, id identity.Identity, key record.Key) (record.Record, error) {
	if err := id.Validate(); err != nil {
		return record.Record{}, err
	}
	stone, err := s.tombstones.CanRestore(ctx, key)
	if err != nil {
		return record.Record{}, err
	}
	if stone.OwnerID != id.UserID {
		return record.Record{}, syncerr.ErrNotFound
	}

	var cur record.Record
	err = s.retry(ctx, "load record", func() error {
		var err error
		cur, err = s.store.Get(ctx, key)
		if errors.Is(err, syncerr.ErrNotFound) {
			cur = record.Record{}
			return nil
		}
		return err
	})
	if err != nil {
		return record.Record{}, err
	}
	if cur.Exists() && !cur.Deleted {
		return record.Record{}, fmt.Errorf("restore %s: %w: record is live behind a tombstone", key, syncerr.ErrStorageCorrupt)
	}

	payload := stone.Backup
	if len(payload) == 0 {
		payload = cur.Payload
	}
	var res store.CASResult
	err = s.retry(ctx, "restore record", func() error {
		var err error
		res, err = s.store.CompareAndSwap(ctx, store.Write{
			Key:           key,
			OwnerID:       stone.OwnerID,
			ExpectedToken: cur.Token,
			Payload:       payload,
			Restore:       true,
			Actor:         id.Actor(),
			ModifiedAt:    s.now(),
		})
		return err
	})
	if err != nil {
		return record.Record{}, err
	}
	if !res.Applied {
		return record.Record{}, &syncerr.VersionMismatchError{Expected: int64(cur.Token), Actual: int64(res.Record.Token)}
	}

	if _, err := s.tombstones.MarkRestored(ctx, key, id.Actor()); err != nil {
		return record.Record{}, fmt.Errorf("restore %s: %w", key, err)
	}

	snap := res.Record.Snapshot()
	if err := s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindRecordRestored,
		Key:     key,
		OwnerID: stone.OwnerID,
		Actor:   id.Actor(),
		Server:  &snap,
		At:      s.now(),
	}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key.String()).Msg("restore notification failed")
	}
	return res.Record, nil
}

// Devices returns the user's registered devices with their session state
func (s *Service) Devices(ctx context.Context, id identity.Identity) ([]session.Entry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var out []session.Entry
	err := s.retry(ctx, "list sessions", func() error {
		var err error
		out, err = s.store.ListSessions(ctx, id.UserID)
		return err
	})
	return out, err
}

// History returns the user's finished sync runs, newest first. An empty
// deviceID covers every device.
func (s *Service) History(ctx context.Context, id identity.Identity, deviceID string, limit int) ([]session.Run, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var out []session.Run
	err := s.retry(ctx, "list runs", func() error {
		var err error
		out, err = s.tracker.History(ctx, session.RunFilter{UserID: id.UserID, DeviceID: deviceID, Limit: limit})
		return err
	})
	return out, err
}

// SessionStatus returns the calling device's tracker entry
func (s *Service) SessionStatus(ctx context.Context, id identity.Identity) (session.Entry, error) {
	if err := id.Validate(); err != nil {
		return session.Entry{}, err
	}
	return s.tracker.Get(ctx, id.UserID, id.DeviceID)
}

// UnregisterDevice removes one of the user's devices so it no longer holds
// back tombstone purging. Tombstones that were only waiting on the device are
// marked propagated.
func (s *Service) UnregisterDevice(ctx context.Context, id identity.Identity, deviceID string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := s.tracker.Unregister(ctx, id.UserID, deviceID); err != nil {
		return err
	}
	return s.retry(ctx, "reconcile tombstones", func() error {
		devices, err := s.tracker.Devices(ctx, id.UserID)
		if err != nil {
			return err
		}
		_, err = s.tombstones.Reconcile(ctx, id.UserID, devices)
		return err
	})
}

// PurgeTombstones archives every tombstone past retention that all devices observed
func (s *Service) PurgeTombstones(ctx context.Context) ([]tombstone.Tombstone, error) {
	return s.tombstones.Purge(ctx, s.now())
}

// Janitor returns a background purger bound to this service
func (s *Service) Janitor(interval time.Duration) *tombstone.Janitor {
	return tombstone.NewJanitor(s.tombstones, interval)
}
