// Package syncservice is the sync orchestrator: it drives one device's batch
// through detection, resolution and application, and builds the delta the
// device pulls back.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
	"github.com/rs/zerolog/log"
)

// Storage is everything the orchestrator persists through
type Storage interface {
	store.RecordStore
	tombstone.Store
	conflict.Store
	session.Store
}

// Options tunes the orchestrator
type Options struct {
	// Parallelism bounds how many records are processed concurrently.
	// Changes to the same record are always serialized.
	Parallelism int

	// PageSize is the default delta page size
	PageSize int

	// MaxBatch rejects batches with more changes (0 = unlimited)
	MaxBatch int

	// MaxRetries bounds retries of a transient storage failure; negative
	// disables retrying
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxResolveAttempts bounds re-detection loops while resolving one record
	MaxResolveAttempts int

	SessionTimeout     time.Duration
	TombstoneRetention time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		Parallelism:        8,
		PageSize:           500,
		MaxBatch:           1000,
		MaxRetries:         4,
		InitialInterval:    100 * time.Millisecond,
		MaxInterval:        2 * time.Second,
		MaxResolveAttempts: 3,
		SessionTimeout:     session.DefaultStaleTimeout,
		TombstoneRetention: tombstone.DefaultRetention,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Parallelism <= 0 {
		o.Parallelism = d.Parallelism
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = d.MaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.MaxResolveAttempts <= 0 {
		o.MaxResolveAttempts = d.MaxResolveAttempts
	}
	return o
}

// Service implements the sync orchestrator
type Service struct {
	store      Storage
	opts       Options
	tracker    *session.Tracker
	tombstones *tombstone.Service
	detector   *conflict.Detector
	resolver   *conflict.Resolver
	notifier   notify.Notifier
	now        func() time.Time
}

// New wires the engine components over one storage backend
func New(st Storage, policies conflict.Policies, notifier notify.Notifier, opts Options) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	opts = opts.withDefaults()
	tombstones := tombstone.NewService(st, opts.TombstoneRetention)
	detector := conflict.NewDetector(policies)
	return &Service{
		store:      st,
		opts:       opts,
		tracker:    session.NewTracker(st, opts.SessionTimeout),
		tombstones: tombstones,
		detector:   detector,
		resolver:   conflict.NewResolver(st, st, tombstones, notifier, detector),
		notifier:   notifier,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source of every component (tests)
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.tracker.WithClock(now)
	s.tombstones.WithClock(now)
	s.detector.WithClock(now)
	s.resolver.WithClock(now)
	return s
}

func (s *Service) Tracker() *session.Tracker { return s.tracker }
func (s *Service) Tombstones() *tombstone.Service { return s.tombstones }
func (s *Service) Resolver() *conflict.Resolver { return s.resolver }
func (s *Service) Policies() conflict.Policies { return s.detector.Policies() }

// BeginSession starts a session for the calling device
func (s *Service) BeginSession(ctx context.Context, id identity.Identity, in session.BeginInput) (session.Handle, error) {
	if err := id.Validate(); err != nil {
		return session.Handle{}, err
	}
	in.UserID = id.UserID
	in.DeviceID = id.DeviceID
	var h session.Handle
	err := s.retry(ctx, "begin session", func() error {
		var err error
		h, err = s.tracker.BeginSession(ctx, in)
		return err
	})
	return h, err
}

// ResumeSession returns the handle of the calling device's running session
func (s *Service) ResumeSession(ctx context.Context, id identity.Identity, sessionID string) (session.Handle, error) {
	if err := id.Validate(); err != nil {
		return session.Handle{}, err
	}
	var h session.Handle
	err := s.retry(ctx, "resume session", func() error {
		var err error
		h, err = s.tracker.Resume(ctx, id.UserID, id.DeviceID, sessionID)
		return err
	})
	return h, err
}

// EndSession closes a session. A completed session that recorded errors is
// downgraded to partial-failure.
func (s *Service) EndSession(ctx context.Context, id identity.Identity, h session.Handle, status session.Status, notes string) (session.Entry, error) {
	if err := s.owns(id, h); err != nil {
		return session.Entry{}, err
	}
	if status == "" {
		status = session.StatusCompleted
	}
	if status == session.StatusCompleted {
		entry, err := s.tracker.Validate(ctx, h)
		if err != nil {
			return session.Entry{}, err
		}
		if entry.ErrorCount > 0 {
			status = session.StatusPartialFailure
		}
	}
	err := s.retry(ctx, "end session", func() error {
		return s.tracker.EndSession(ctx, h, session.EndInput{Status: status, Notes: notes})
	})
	if err != nil {
		return session.Entry{}, err
	}
	return s.tracker.Get(ctx, h.UserID, h.DeviceID)
}

// owns checks that the handle belongs to the calling identity
func (s *Service) owns(id identity.Identity, h session.Handle) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if h.UserID != id.UserID || h.DeviceID != id.DeviceID {
		return fmt.Errorf("%w: session %s belongs to another device", syncerr.ErrSessionConflict, h.ID)
	}
	return nil
}

// retry runs fn with exponential backoff while it fails with a retryable
// storage error. Anything else is returned at once.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.InitialInterval
	eb.MaxInterval = s.opts.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if syncerr.IsRetryable(err) {
			log.Ctx(ctx).Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("storage unavailable, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%s: %w", op, cerr)
	}
	return err
}
