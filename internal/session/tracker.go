package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultStaleTimeout is the age after which an in-progress session is
// considered abandoned
const DefaultStaleTimeout = 30 * time.Minute

// maxSaveAttempts bounds CAS retries on the session row
const maxSaveAttempts = 5

// ErrInvalidInput indicates an unknown direction or an incomplete scope
var ErrInvalidInput = errors.New("invalid session input")

// Handle identifies one running session
type Handle struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	DeviceID  string       `json:"deviceId"`
	Direction Direction    `json:"direction"`
	Scope     Scope        `json:"scope"`
	StartedAt time.Time    `json:"startedAt"`
	Watermark record.Token `json:"watermark"`

	// Recovered is set when this session took over a stale one
	Recovered *Recovered `json:"recovered,omitempty"`
}

// Recovered describes a stale session that was taken over
type Recovered struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// BeginInput describes a session start request
type BeginInput struct {
	UserID        string
	DeviceID      string
	Direction     Direction
	Scope         Scope
	Connection    Connection
	Trigger       Trigger
	ClientVersion string
}

// EndInput carries the outcome of a session. Counts add to what
// checkpoints already accumulated.
type EndInput struct {
	Status        Status
	ErrorCount    int
	ConflictCount int
	ItemsSent     int
	ItemsReceived int
	Writes        Writes
	Notes         string

	// Watermark overrides the checkpointed watermark when non-zero
	Watermark record.Token
}

// Tracker implements the Sync Session Tracker
type Tracker struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewTracker creates a tracker; timeout <= 0 uses DefaultStaleTimeout
func NewTracker(st Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	return &Tracker{
		store:   st,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests)
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// StaleTimeout returns the in-progress age limit
func (t *Tracker) StaleTimeout() time.Duration {
	return t.timeout
}

func (in BeginInput) normalize() (BeginInput, error) {
	if in.UserID == "" || in.DeviceID == "" {
		return in, fmt.Errorf("begin session: %w", syncerr.ErrIdentityUnavailable)
	}
	if in.Direction == "" {
		in.Direction = DirectionBidirectional
	}
	switch in.Direction {
	case DirectionPush, DirectionPull, DirectionBidirectional:
	default:
		return in, fmt.Errorf("begin session: %w: unknown direction %q", ErrInvalidInput, in.Direction)
	}
	if in.Scope.Kind == "" {
		in.Scope.Kind = ScopeFull
	}
	switch in.Scope.Kind {
	case ScopeFull:
	case ScopePartial, ScopeEntityFiltered:
		if len(in.Scope.EntityTypes) == 0 {
			return in, fmt.Errorf("begin session: %w: scope %q requires entity types", ErrInvalidInput, in.Scope.Kind)
		}
	default:
		return in, fmt.Errorf("begin session: %w: unknown scope %q", ErrInvalidInput, in.Scope.Kind)
	}
	if in.Connection == "" {
		in.Connection = ConnectionUnknown
	}
	if in.Trigger == "" {
		in.Trigger = TriggerManual
	}
	return in, nil
}

// BeginSession starts a session for (user, device).
// It fails with ErrSessionConflict while another session for the device is
// in progress and younger than the stale timeout; an older one is taken over
// and recorded as failed.
func (t *Tracker) BeginSession(ctx context.Context, in BeginInput) (Handle, error) {
	in, err := in.normalize()
	if err != nil {
		return Handle{}, err
	}
	logger := log.Ctx(ctx).With().Str("userId", in.UserID).Str("deviceId", in.DeviceID).Logger()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		now := t.now()

		entry, err := t.store.GetSession(ctx, in.UserID, in.DeviceID)
		isNew := errors.Is(err, syncerr.ErrNotFound)
		if err != nil && !isNew {
			return Handle{}, fmt.Errorf("load session: %w", err)
		}
		if isNew {
			entry = Entry{UserID: in.UserID, DeviceID: in.DeviceID, Status: StatusIdle}
		}

		var recovered *Recovered
		if entry.Status == StatusInProgress {
			age := now.Sub(entry.StartedAt)
			if age < t.timeout {
				return Handle{}, fmt.Errorf("%w: session %s running for %s",
					syncerr.ErrSessionConflict, entry.SessionID, age.Truncate(time.Second))
			}

			// stuck-session recovery: close the abandoned run as failed first
			failed := entry
			failed.Status = StatusFailed
			failed.ErrorCount++
			failed.Notes = "session abandoned; recovered after stale timeout"
			failed.PendingWatermark = 0
			failed.Revision = entry.Revision + 1
			saved, err := t.store.SaveSession(ctx, failed, entry.Revision)
			if err != nil {
				return Handle{}, fmt.Errorf("fail stale session: %w", err)
			}
			if !saved {
				continue
			}
			logger.Warn().
				Str("staleSessionId", entry.SessionID).
				Dur("age", age).
				Msg("stale sync session taken over")
			t.saveRun(ctx, failed, now)
			recovered = &Recovered{SessionID: entry.SessionID, StartedAt: entry.StartedAt}
			entry = failed
		}

		next := entry
		next.SessionID = uuid.New().String()
		next.Status = StatusInProgress
		next.Direction = in.Direction
		next.Scope = in.Scope
		next.Connection = in.Connection
		next.Trigger = in.Trigger
		next.ClientVersion = in.ClientVersion
		next.StartedAt = now
		next.ErrorCount = 0
		next.ConflictCount = 0
		next.ItemsSent = 0
		next.ItemsReceived = 0
		next.Writes = Writes{}
		next.DurationMs = 0
		next.PendingWatermark = 0
		next.Notes = ""
		next.Revision = entry.Revision + 1

		saved, err := t.store.SaveSession(ctx, next, entry.Revision)
		if err != nil {
			return Handle{}, fmt.Errorf("save session: %w", err)
		}
		if !saved {
			continue
		}

		logger.Info().
			Str("sessionId", next.SessionID).
			Str("direction", string(next.Direction)).
			Str("scope", string(next.Scope.Kind)).
			Int64("watermark", int64(next.Watermark)).
			Msg("sync session started")

		return Handle{
			ID:        next.SessionID,
			UserID:    next.UserID,
			DeviceID:  next.DeviceID,
			Direction: next.Direction,
			Scope:     next.Scope,
			StartedAt: next.StartedAt,
			Watermark: next.Watermark,
			Recovered: recovered,
		}, nil
	}

	return Handle{}, fmt.Errorf("%w: concurrent session start", syncerr.ErrSessionConflict)
}

// current loads the entry and checks that h still owns it
func (t *Tracker) current(ctx context.Context, h Handle) (Entry, error) {
	entry, err := t.store.GetSession(ctx, h.UserID, h.DeviceID)
	if err != nil {
		return Entry{}, fmt.Errorf("load session: %w", err)
	}
	if entry.SessionID != h.ID || entry.Status != StatusInProgress {
		return Entry{}, fmt.Errorf("%w: session %s is no longer active", syncerr.ErrSessionConflict, h.ID)
	}
	return entry, nil
}

// Validate checks that h is the running session of its device
func (t *Tracker) Validate(ctx context.Context, h Handle) (Entry, error) {
	return t.current(ctx, h)
}

// Resume rebuilds the handle of the device's running session from its id,
// for transports where the client only echoes the id back
func (t *Tracker) Resume(ctx context.Context, userID, deviceID, sessionID string) (Handle, error) {
	h := Handle{ID: sessionID, UserID: userID, DeviceID: deviceID}
	entry, err := t.current(ctx, h)
	if err != nil {
		return Handle{}, err
	}
	h.Direction = entry.Direction
	h.Scope = entry.Scope
	h.StartedAt = entry.StartedAt
	h.Watermark = entry.Watermark
	return h, nil
}

// Progress is what one batch of a running session contributed
type Progress struct {
	// Delivered is the highest token handed to the device
	Delivered     record.Token
	ItemsSent     int
	ItemsReceived int
	Errors        int
	Conflicts     int
	Writes        Writes
}

// Checkpoint accumulates batch progress into the running session. The
// delivered token becomes the watermark only when EndSession succeeds.
func (t *Tracker) Checkpoint(ctx context.Context, h Handle, p Progress) error {
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		entry, err := t.current(ctx, h)
		if err != nil {
			return err
		}
		next := entry
		if p.Delivered > next.PendingWatermark {
			next.PendingWatermark = p.Delivered
		}
		next.ItemsSent += p.ItemsSent
		next.ItemsReceived += p.ItemsReceived
		next.ErrorCount += p.Errors
		next.ConflictCount += p.Conflicts
		next.Writes.add(p.Writes)
		next.Revision = entry.Revision + 1
		saved, err := t.store.SaveSession(ctx, next, entry.Revision)
		if err != nil {
			return fmt.Errorf("checkpoint session: %w", err)
		}
		if saved {
			return nil
		}
	}
	return fmt.Errorf("%w: checkpoint contention", syncerr.ErrStorageUnavailable)
}

// EndSession is the only transition out of in-progress.
// Failed sessions leave the watermark where it was so the next attempt is a
// safe retry.
func (t *Tracker) EndSession(ctx context.Context, h Handle, in EndInput) error {
	if !in.Status.Terminal() {
		return fmt.Errorf("end session: status %q is not terminal", in.Status)
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		entry, err := t.current(ctx, h)
		if err != nil {
			return err
		}
		now := t.now()

		next := entry
		next.Status = in.Status
		next.ErrorCount += in.ErrorCount
		next.ConflictCount += in.ConflictCount
		next.ItemsSent += in.ItemsSent
		next.ItemsReceived += in.ItemsReceived
		next.Writes.add(in.Writes)
		next.Notes = in.Notes
		next.LastSyncAt = &now
		next.DurationMs = now.Sub(entry.StartedAt).Milliseconds()

		if in.Status != StatusFailed {
			wm := entry.PendingWatermark
			if in.Watermark != 0 {
				wm = in.Watermark
			}
			if wm > next.Watermark {
				next.Watermark = wm
			}
		}
		next.PendingWatermark = 0
		next.Revision = entry.Revision + 1

		saved, err := t.store.SaveSession(ctx, next, entry.Revision)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		if !saved {
			continue
		}

		log.Ctx(ctx).Info().
			Str("sessionId", h.ID).
			Str("userId", h.UserID).
			Str("deviceId", h.DeviceID).
			Str("status", string(in.Status)).
			Int("errors", next.ErrorCount).
			Int("conflicts", next.ConflictCount).
			Int64("watermark", int64(next.Watermark)).
			Msg("sync session ended")
		t.saveRun(ctx, next, now)
		return nil
	}
	return fmt.Errorf("%w: end session contention", syncerr.ErrStorageUnavailable)
}

// saveRun appends the history row of an ended entry. The entry is already
// final at this point, so a failed write is logged rather than returned.
func (t *Tracker) saveRun(ctx context.Context, e Entry, endedAt time.Time) {
	if err := t.store.SaveRun(ctx, runOf(e, endedAt)); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("sessionId", e.SessionID).
			Str("status", string(e.Status)).
			Msg("failed to record sync run")
	}
}

// History returns finished runs, newest first
func (t *Tracker) History(ctx context.Context, f RunFilter) ([]Run, error) {
	if f.UserID == "" {
		return nil, fmt.Errorf("history: %w", syncerr.ErrIdentityUnavailable)
	}
	runs, err := t.store.ListRuns(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Get returns the tracker entry for (user, device)
func (t *Tracker) Get(ctx context.Context, userID, deviceID string) (Entry, error) {
	return t.store.GetSession(ctx, userID, deviceID)
}

// Devices returns the registered device ids of a user
func (t *Tracker) Devices(ctx context.Context, userID string) ([]string, error) {
	entries, err := t.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.DeviceID)
	}
	return out, nil
}

// Unregister removes a device's entry; refused while a session is running
func (t *Tracker) Unregister(ctx context.Context, userID, deviceID string) error {
	entry, err := t.store.GetSession(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if entry.Status == StatusInProgress && t.now().Sub(entry.StartedAt) < t.timeout {
		return fmt.Errorf("%w: cannot unregister during a session", syncerr.ErrSessionConflict)
	}
	return t.store.DeleteSession(ctx, userID, deviceID)
}
