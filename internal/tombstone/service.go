package tombstone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long a tombstone stays in primary storage
const DefaultRetention = 30 * 24 * time.Hour

// defaultPurgeBatch bounds one Purge pass
const defaultPurgeBatch = 500

// maxUpdateAttempts bounds the re-read loop of one contended tombstone write
const maxUpdateAttempts = 8

// DeletionInput describes a confirmed, synchronized deletion
type DeletionInput struct {
	Key       record.Key
	OwnerID   string
	Actor     record.Actor
	Context   Context
	Reason    string
	Token     record.Token
	DeletedAt time.Time
	Backup    json.RawMessage
	Permanent bool
}

// Service implements the Tombstone Store operations on top of a Store
type Service struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

// NewService creates a tombstone service; retention <= 0 uses DefaultRetention
func NewService(st Store, retention time.Duration) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{
		store:     st,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests)
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordDeletion records that in.Key was deleted.
// Recording is idempotent: a second call for a live tombstone only merges the
// deleting device into the observed set. A restored tombstone is re-armed as
// a new generation.
func (s *Service) RecordDeletion(ctx context.Context, in DeletionInput) (Tombstone, error) {
	if !in.Key.Valid() {
		return Tombstone{}, fmt.Errorf("record deletion: %w: missing key", syncerr.ErrInvalidBatch)
	}
	if in.Context == "" {
		in.Context = ContextUserAction
	}
	if !in.Context.Valid() {
		return Tombstone{}, fmt.Errorf("record deletion: %w: unknown context %q", syncerr.ErrInvalidBatch, in.Context)
	}
	deletedAt := in.DeletedAt
	if deletedAt.IsZero() {
		deletedAt = s.now()
	}

	fresh := Tombstone{
		ID:              uuid.New().String(),
		Key:             in.Key,
		OwnerID:         in.OwnerID,
		Actor:           in.Actor,
		Context:         in.Context,
		Reason:          in.Reason,
		DeletedAt:       deletedAt.UTC(),
		Token:           in.Token,
		Generation:      1,
		Permanent:       in.Permanent,
		RetentionExpiry: deletedAt.UTC().Add(s.retention),
		Backup:          in.Backup,
	}
	fresh.observe(in.Actor.DeviceID)

	stored, created, err := s.store.InsertTombstone(ctx, fresh)
	if err != nil {
		return Tombstone{}, fmt.Errorf("insert tombstone: %w", err)
	}
	if created {
		log.Ctx(ctx).Debug().
			Str("key", in.Key.String()).
			Int64("token", int64(in.Token)).
			Str("context", string(in.Context)).
			Msg("tombstone recorded")
		return stored, nil
	}

	rearmed := false
	stored, err = s.update(ctx, stored, func(t *Tombstone) (bool, error) {
		if t.Restored {
			// the id was restored and is now deleted again
			next := fresh
			next.ID = t.ID
			next.Generation = t.Generation + 1
			next.Revision = t.Revision
			*t = next
			rearmed = true
			return true, nil
		}
		rearmed = false
		if !t.observe(in.Actor.DeviceID) {
			return false, nil
		}
		if in.Token > t.Token {
			t.Token = in.Token
		}
		return true, nil
	})
	if err != nil {
		return Tombstone{}, fmt.Errorf("update tombstone: %w", err)
	}
	if rearmed {
		log.Ctx(ctx).Info().
			Str("key", in.Key.String()).
			Int("generation", stored.Generation).
			Msg("tombstone re-armed after restore")
	}
	return stored, nil
}

// update applies mutate to t and writes the result. When another writer got
// there first the tombstone is re-read and mutate runs again on the fresh
// copy. mutate reports false when there is nothing to write.
func (s *Service) update(ctx context.Context, t Tombstone, mutate func(*Tombstone) (bool, error)) (Tombstone, error) {
	for attempt := 1; ; attempt++ {
		changed, err := mutate(&t)
		if err != nil {
			return Tombstone{}, err
		}
		if !changed {
			return t, nil
		}
		stored, err := s.store.UpdateTombstone(ctx, t)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, syncerr.ErrStaleVersion) {
			return Tombstone{}, err
		}
		if attempt >= maxUpdateAttempts {
			return Tombstone{}, syncerr.Unavailable("update tombstone", err)
		}
		if t, err = s.store.GetTombstone(ctx, t.Key); err != nil {
			return Tombstone{}, err
		}
	}
}

// Get returns the live tombstone for key, or ErrNotFound
func (s *Service) Get(ctx context.Context, key record.Key) (Tombstone, error) {
	t, err := s.store.GetTombstone(ctx, key)
	if err != nil {
		return Tombstone{}, err
	}
	if !t.Live() {
		return Tombstone{}, syncerr.ErrNotFound
	}
	return t, nil
}

// IsResurrection reports whether an incoming create/update for key would
// resurrect a deleted record: a live tombstone exists and incomingAt is not
// strictly newer than the deletion. The tombstone is returned when found.
func (s *Service) IsResurrection(ctx context.Context, key record.Key, incomingAt time.Time) (bool, *Tombstone, error) {
	t, err := s.Get(ctx, key)
	if errors.Is(err, syncerr.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return !incomingAt.After(t.DeletedAt), &t, nil
}

// Observe marks tombstones as delivered to device and recomputes propagation
// against the owner's registered devices. Once propagated a tombstone stays
// propagated. Tombstones archived, restored or re-armed since the snapshot
// was taken are skipped.
func (s *Service) Observe(ctx context.Context, stones []Tombstone, device string, activeDevices []string) error {
	for _, snap := range stones {
		id, gen := snap.ID, snap.Generation
		_, err := s.update(ctx, snap, func(t *Tombstone) (bool, error) {
			if t.ID != id || t.Generation != gen || !t.Live() {
				return false, nil
			}
			changed := t.observe(device)
			if changed {
				t.SyncCount++
			}
			if !t.Propagated && t.coveredBy(activeDevices) {
				t.Propagated = true
				changed = true
			}
			return changed, nil
		})
		if errors.Is(err, syncerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("observe tombstone %s: %w", snap.Key, err)
		}
	}
	return nil
}

// Reconcile marks the owner's live tombstones as propagated when every device
// in activeDevices has observed them. Run it after a device is unregistered:
// tombstones that were only waiting on that device become purgeable.
func (s *Service) Reconcile(ctx context.Context, ownerID string, activeDevices []string) (int, error) {
	var (
		after  record.Token
		marked int
	)
	for {
		page, err := s.store.TombstonesSince(ctx, SinceQuery{OwnerID: ownerID, AfterToken: after, Limit: defaultPurgeBatch})
		if err != nil {
			return marked, fmt.Errorf("list tombstones: %w", err)
		}
		for _, snap := range page {
			after = snap.Token
			if snap.Propagated || !snap.coveredBy(activeDevices) {
				continue
			}
			id, gen := snap.ID, snap.Generation
			wrote := false
			_, err := s.update(ctx, snap, func(t *Tombstone) (bool, error) {
				wrote = false
				if t.ID != id || t.Generation != gen || !t.Live() || t.Propagated || !t.coveredBy(activeDevices) {
					return false, nil
				}
				t.Propagated = true
				wrote = true
				return true, nil
			})
			if errors.Is(err, syncerr.ErrNotFound) {
				continue
			}
			if err != nil {
				return marked, fmt.Errorf("reconcile tombstone %s: %w", snap.Key, err)
			}
			if wrote {
				marked++
			}
		}
		if len(page) < defaultPurgeBatch {
			break
		}
	}
	if marked > 0 {
		log.Ctx(ctx).Info().
			Str("userId", ownerID).
			Int("propagated", marked).
			Msg("tombstone propagation reconciled")
	}
	return marked, nil
}

// CanRestore checks that key has a live, non-permanent tombstone
func (s *Service) CanRestore(ctx context.Context, key record.Key) (Tombstone, error) {
	t, err := s.store.GetTombstone(ctx, key)
	if err != nil {
		return Tombstone{}, err
	}
	if t.Restored {
		return Tombstone{}, syncerr.ErrAlreadyRestored
	}
	if t.Archived {
		return Tombstone{}, syncerr.ErrNotFound
	}
	if t.Permanent {
		return Tombstone{}, fmt.Errorf("%w: deletion is permanent", syncerr.ErrResurrectionBlocked)
	}
	return t, nil
}

// MarkRestored records that the tombstoned id was restored.
// Propagation state is cleared; the record itself starts a new token epoch
// through the store's restore write.
func (s *Service) MarkRestored(ctx context.Context, key record.Key, actor record.Actor) (Tombstone, error) {
	t, err := s.CanRestore(ctx, key)
	if err != nil {
		return Tombstone{}, err
	}
	now := s.now()
	gen := t.Generation
	t, err = s.update(ctx, t, func(t *Tombstone) (bool, error) {
		if t.Restored || t.Generation != gen {
			return false, syncerr.ErrAlreadyRestored
		}
		t.Restored = true
		t.RestoredAt = &now
		t.RestoredBy = &actor
		t.Propagated = false
		t.ObservedBy = nil
		t.SyncCount = 0
		return true, nil
	})
	if err != nil {
		return Tombstone{}, fmt.Errorf("mark restored: %w", err)
	}
	log.Ctx(ctx).Info().
		Str("key", key.String()).
		Str("userId", actor.UserID).
		Msg("tombstone restored")
	return t, nil
}

// Since returns live tombstones for an owner after a watermark
func (s *Service) Since(ctx context.Context, q SinceQuery) ([]Tombstone, error) {
	return s.store.TombstonesSince(ctx, q)
}

// Purge archives tombstones that are past retention and were observed by
// every active device. Archived tombstones stay queryable for audit.
func (s *Service) Purge(ctx context.Context, now time.Time) ([]Tombstone, error) {
	candidates, err := s.store.PurgeableTombstones(ctx, now, defaultPurgeBatch)
	if err != nil {
		return nil, fmt.Errorf("list purgeable tombstones: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, t := range candidates {
		ids = append(ids, t.ID)
	}
	if err := s.store.ArchiveTombstones(ctx, ids, now); err != nil {
		return nil, fmt.Errorf("archive tombstones: %w", err)
	}

	archived := make([]Tombstone, 0, len(candidates))
	for _, t := range candidates {
		at := now
		t.Archived = true
		t.ArchivedAt = &at
		archived = append(archived, t)
	}

	log.Ctx(ctx).Info().Int("archived", len(archived)).Msg("tombstones purged")
	return archived, nil
}
