package syncservice

import (
	"context"
	"fmt"

	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/syncx"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/rs/zerolog/log"
)

func emptyDelta(after record.Token) Delta {
	return Delta{Upserts: []record.Record{}, Deletes: []Deletion{}, HighWater: after}
}

// Pull returns one page of server changes for the device. An empty cursor
// starts after everything already delivered to the device; NextCursor
// continues the page walk.
func (s *Service) Pull(ctx context.Context, id identity.Identity, h session.Handle, cursor string, limit int) (Delta, error) {
	if err := s.owns(id, h); err != nil {
		return Delta{}, err
	}
	entry, err := s.entry(ctx, h)
	if err != nil {
		return Delta{}, err
	}
	if h.Direction == session.DirectionPush {
		return emptyDelta(afterToken(entry)), nil
	}

	after := afterToken(entry)
	if cursor != "" {
		c, ok := syncx.DecodeCursor(cursor)
		if !ok {
			return Delta{}, fmt.Errorf("%w: bad cursor", syncerr.ErrInvalidBatch)
		}
		after = c.Token
	}

	d, err := s.delta(ctx, id, h, after, limit)
	if err != nil {
		return Delta{}, err
	}
	err = s.retry(ctx, "checkpoint session", func() error {
		return s.tracker.Checkpoint(ctx, h, session.Progress{
			Delivered:     d.HighWater,
			ItemsReceived: d.Size(),
		})
	})
	if err != nil {
		return Delta{}, err
	}
	return d, nil
}

// delta builds the change page after a token. Soft-deleted rows become
// deletions, and the tombstones behind them are marked observed by the device.
func (s *Service) delta(ctx context.Context, id identity.Identity, h session.Handle, after record.Token, limit int) (Delta, error) {
	if limit <= 0 || limit > s.opts.PageSize {
		limit = s.opts.PageSize
	}
	filter := h.Scope.Filter()

	var recs []record.Record
	err := s.retry(ctx, "load changes", func() error {
		var err error
		recs, err = s.store.Changes(ctx, store.ChangesQuery{
			OwnerID:     id.UserID,
			AfterToken:  after,
			EntityTypes: filter,
			Limit:       limit + 1,
		})
		return err
	})
	if err != nil {
		return Delta{}, err
	}

	d := emptyDelta(after)
	if len(recs) > limit {
		recs = recs[:limit]
		d.HasMore = true
	}
	for _, r := range recs {
		if r.Token <= d.HighWater {
			return Delta{}, syncerr.Corrupt("load changes", fmt.Errorf("token %d out of order after %d", r.Token, d.HighWater))
		}
		d.HighWater = r.Token
		if !r.Deleted {
			d.Upserts = append(d.Upserts, r)
			continue
		}
		del := Deletion{Key: r.Key, Token: r.Token, DeletedBy: r.DeletedBy}
		if r.DeletedAt != nil {
			del.DeletedAt = *r.DeletedAt
		}
		d.Deletes = append(d.Deletes, del)
	}
	if d.HasMore {
		d.NextCursor = syncx.EncodeCursor(syncx.Cursor{Token: d.HighWater})
	}

	if len(d.Deletes) > 0 {
		if err := s.observeDeletes(ctx, id, &d, after, filter); err != nil {
			return Delta{}, err
		}
	}
	return d, nil
}

// observeDeletes attaches tombstone context to the page's deletions and
// records that the device received them
func (s *Service) observeDeletes(ctx context.Context, id identity.Identity, d *Delta, after record.Token, filter []string) error {
	var stones []tombstone.Tombstone
	err := s.retry(ctx, "load tombstones", func() error {
		var err error
		stones, err = s.tombstones.Since(ctx, tombstone.SinceQuery{
			OwnerID:     id.UserID,
			AfterToken:  after,
			EntityTypes: filter,
		})
		return err
	})
	if err != nil {
		return err
	}

	byKey := make(map[record.Key]tombstone.Tombstone, len(stones))
	delivered := make([]tombstone.Tombstone, 0, len(stones))
	for _, t := range stones {
		if t.Token > d.HighWater {
			continue
		}
		byKey[t.Key] = t
		delivered = append(delivered, t)
	}
	for i := range d.Deletes {
		if t, ok := byKey[d.Deletes[i].Key]; ok {
			d.Deletes[i].Context = string(t.Context)
		}
	}
	if len(delivered) == 0 {
		return nil
	}

	var devices []string
	err = s.retry(ctx, "list devices", func() error {
		var err error
		devices, err = s.tracker.Devices(ctx, id.UserID)
		return err
	})
	if err != nil {
		return err
	}
	err = s.retry(ctx, "observe tombstones", func() error {
		return s.tombstones.Observe(ctx, delivered, id.DeviceID, devices)
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).Debug().Int("tombstones", len(delivered)).Msg("tombstones delivered")
	return nil
}
