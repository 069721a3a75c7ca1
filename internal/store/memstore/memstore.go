// Package memstore is an in-memory Storage collaborator used by tests and
// dev mode. Every operation runs under one mutex, which makes each
// compare-and-swap trivially atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
)

type sessionKey struct {
	userID   string
	deviceID string
}

// Store implements store.RecordStore, tombstone.Store, conflict.Store and
// session.Store.
type Store struct {
	mu  sync.Mutex
	seq int64
	now func() time.Time

	records    map[record.Key]record.Record
	tombstones map[record.Key]tombstone.Tombstone
	archive    map[string]tombstone.Tombstone
	conflicts  map[string]conflict.Conflict
	open       map[record.Key]string
	sessions   map[sessionKey]session.Entry
	runs       map[string]session.Run

	// Fault, when set, is consulted before every operation; a non-nil
	// return fails the operation without touching state.
	Fault func(op string) error
}

var (
	_ store.RecordStore = (*Store)(nil)
	_ tombstone.Store   = (*Store)(nil)
	_ conflict.Store    = (*Store)(nil)
	_ session.Store     = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		records:    make(map[record.Key]record.Record),
		tombstones: make(map[record.Key]tombstone.Tombstone),
		archive:    make(map[string]tombstone.Tombstone),
		conflicts:  make(map[string]conflict.Conflict),
		open:       make(map[record.Key]string),
		sessions:   make(map[sessionKey]session.Entry),
		runs:       make(map[string]session.Run),
	}
}

// WithClock overrides the server clock (tests)
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) fault(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Fault != nil {
		return s.Fault(op)
	}
	return nil
}

// ---- records ----

func (s *Store) Get(ctx context.Context, key record.Key) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "get"); err != nil {
		return record.Record{}, err
	}
	r, ok := s.records[key]
	if !ok {
		return record.Record{}, syncerr.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, w store.Write) (store.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "cas"); err != nil {
		return store.CASResult{}, err
	}

	cur, exists := s.records[w.Key]
	if cur.Token != w.ExpectedToken {
		return store.CASResult{Applied: false, Record: cur.Clone()}, nil
	}
	if exists && cur.Deleted && !w.Delete && !w.Restore {
		return store.CASResult{}, syncerr.ErrResurrectionBlocked
	}

	now := s.now()
	next := cur.Clone()
	if !exists {
		next.Key = w.Key
		next.OwnerID = w.OwnerID
		next.Epoch = record.InitialEpoch
		next.CreatedAt = now
		next.CreatedBy = w.Actor
	}
	s.seq++
	next.Token = record.Token(s.seq)
	next.UpdatedAt = now
	next.UpdatedBy = w.Actor
	next.ModifiedAt = w.ModifiedAt
	if next.ModifiedAt.IsZero() {
		next.ModifiedAt = now
	}

	switch {
	case w.Delete:
		actor := w.Actor
		next.Deleted = true
		next.DeletedAt = &now
		next.DeletedBy = &actor
	case w.Restore:
		if exists {
			next.Epoch++
		}
		next.Deleted = false
		next.DeletedAt = nil
		next.DeletedBy = nil
		next.Payload = w.Payload
	default:
		next.Payload = w.Payload
	}

	s.records[w.Key] = next
	return store.CASResult{Applied: true, Record: next.Clone()}, nil
}

func (s *Store) Changes(ctx context.Context, q store.ChangesQuery) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "changes"); err != nil {
		return nil, err
	}
	var out []record.Record
	for _, r := range s.records {
		if r.OwnerID != q.OwnerID || r.Token <= q.AfterToken || !store.Matches(q.EntityTypes, r.EntityType) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ---- tombstones ----

func cloneTombstone(t tombstone.Tombstone) tombstone.Tombstone {
	out := t
	out.ObservedBy = append([]string(nil), t.ObservedBy...)
	out.Backup = append([]byte(nil), t.Backup...)
	return out
}

func (s *Store) InsertTombstone(ctx context.Context, t tombstone.Tombstone) (tombstone.Tombstone, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "insert_tombstone"); err != nil {
		return tombstone.Tombstone{}, false, err
	}
	if cur, ok := s.tombstones[t.Key]; ok {
		return cloneTombstone(cur), false, nil
	}
	t.Revision = 1
	s.tombstones[t.Key] = cloneTombstone(t)
	return cloneTombstone(t), true, nil
}

func (s *Store) GetTombstone(ctx context.Context, key record.Key) (tombstone.Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "get_tombstone"); err != nil {
		return tombstone.Tombstone{}, err
	}
	t, ok := s.tombstones[key]
	if !ok {
		return tombstone.Tombstone{}, syncerr.ErrNotFound
	}
	return cloneTombstone(t), nil
}

func (s *Store) UpdateTombstone(ctx context.Context, t tombstone.Tombstone) (tombstone.Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "update_tombstone"); err != nil {
		return tombstone.Tombstone{}, err
	}
	cur, ok := s.tombstones[t.Key]
	if !ok || cur.ID != t.ID {
		return tombstone.Tombstone{}, syncerr.ErrNotFound
	}
	if cur.Revision != t.Revision {
		return tombstone.Tombstone{}, &syncerr.VersionMismatchError{Expected: t.Revision, Actual: cur.Revision}
	}
	t.Revision++
	s.tombstones[t.Key] = cloneTombstone(t)
	return cloneTombstone(t), nil
}

func (s *Store) TombstonesSince(ctx context.Context, q tombstone.SinceQuery) ([]tombstone.Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "tombstones_since"); err != nil {
		return nil, err
	}
	var out []tombstone.Tombstone
	for _, t := range s.tombstones {
		if t.OwnerID != q.OwnerID || !t.Live() || t.Token <= q.AfterToken || !store.Matches(q.EntityTypes, t.Key.EntityType) {
			continue
		}
		out = append(out, cloneTombstone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) PurgeableTombstones(ctx context.Context, now time.Time, limit int) ([]tombstone.Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "purgeable_tombstones"); err != nil {
		return nil, err
	}
	var out []tombstone.Tombstone
	for _, t := range s.tombstones {
		if t.Restored || !t.Propagated || t.RetentionExpiry.After(now) {
			continue
		}
		out = append(out, cloneTombstone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ArchiveTombstones(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "archive_tombstones"); err != nil {
		return err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for key, t := range s.tombstones {
		if _, ok := want[t.ID]; !ok {
			continue
		}
		archivedAt := at
		t.Archived = true
		t.ArchivedAt = &archivedAt
		s.archive[t.ID] = t
		delete(s.tombstones, key)
		if r, ok := s.records[key]; ok && r.Deleted {
			delete(s.records, key)
		}
	}
	return nil
}

// Archived returns an archived tombstone by id
func (s *Store) Archived(id string) (tombstone.Tombstone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.archive[id]
	return cloneTombstone(t), ok
}

// ---- conflicts ----

func cloneConflict(c conflict.Conflict) conflict.Conflict {
	out := c
	out.ClientStates = append([]conflict.ClientState(nil), c.ClientStates...)
	return out
}

func (s *Store) CreateConflict(ctx context.Context, c conflict.Conflict) (conflict.Conflict, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "create_conflict"); err != nil {
		return conflict.Conflict{}, false, err
	}
	if id, ok := s.open[c.Key]; ok {
		return cloneConflict(s.conflicts[id]), false, nil
	}
	c.Revision = 1
	s.conflicts[c.ID] = cloneConflict(c)
	if c.Status.Open() {
		s.open[c.Key] = c.ID
	}
	return cloneConflict(c), true, nil
}

func (s *Store) GetConflict(ctx context.Context, id string) (conflict.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "get_conflict"); err != nil {
		return conflict.Conflict{}, err
	}
	c, ok := s.conflicts[id]
	if !ok {
		return conflict.Conflict{}, syncerr.ErrNotFound
	}
	return cloneConflict(c), nil
}

func (s *Store) OpenConflict(ctx context.Context, key record.Key) (conflict.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "open_conflict"); err != nil {
		return conflict.Conflict{}, err
	}
	id, ok := s.open[key]
	if !ok {
		return conflict.Conflict{}, syncerr.ErrNotFound
	}
	return cloneConflict(s.conflicts[id]), nil
}

func (s *Store) UpdateConflict(ctx context.Context, c conflict.Conflict) (conflict.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "update_conflict"); err != nil {
		return conflict.Conflict{}, err
	}
	cur, ok := s.conflicts[c.ID]
	if !ok {
		return conflict.Conflict{}, syncerr.ErrNotFound
	}
	if cur.Revision != c.Revision {
		return conflict.Conflict{}, &syncerr.VersionMismatchError{Expected: c.Revision, Actual: cur.Revision}
	}
	c.Revision++
	s.conflicts[c.ID] = cloneConflict(c)
	if !c.Status.Open() && s.open[c.Key] == c.ID {
		delete(s.open, c.Key)
	}
	return cloneConflict(c), nil
}

func (s *Store) ListConflicts(ctx context.Context, f conflict.Filter) ([]conflict.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "list_conflicts"); err != nil {
		return nil, err
	}
	var out []conflict.Conflict
	for _, c := range s.conflicts {
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		if f.EntityType != "" && c.Key.EntityType != f.EntityType {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, c.Status) {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasStatus(list []conflict.Status, s conflict.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---- sessions ----

func (s *Store) GetSession(ctx context.Context, userID, deviceID string) (session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "get_session"); err != nil {
		return session.Entry{}, err
	}
	e, ok := s.sessions[sessionKey{userID, deviceID}]
	if !ok {
		return session.Entry{}, syncerr.ErrNotFound
	}
	return e, nil
}

func (s *Store) SaveSession(ctx context.Context, e session.Entry, expectedRevision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "save_session"); err != nil {
		return false, err
	}
	k := sessionKey{e.UserID, e.DeviceID}
	cur, ok := s.sessions[k]
	var rev int64
	if ok {
		rev = cur.Revision
	}
	if rev != expectedRevision {
		return false, nil
	}
	e.Revision = expectedRevision + 1
	s.sessions[k] = e
	return true, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "list_sessions"); err != nil {
		return nil, err
	}
	var out []session.Entry
	for k, e := range s.sessions {
		if k.userID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "delete_session"); err != nil {
		return err
	}
	k := sessionKey{userID, deviceID}
	if _, ok := s.sessions[k]; !ok {
		return syncerr.ErrNotFound
	}
	delete(s.sessions, k)
	return nil
}

func (s *Store) SaveRun(ctx context.Context, r session.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "save_run"); err != nil {
		return err
	}
	r.Scope.EntityTypes = append([]string(nil), r.Scope.EntityTypes...)
	s.runs[r.SessionID] = r
	return nil
}

func (s *Store) ListRuns(ctx context.Context, f session.RunFilter) ([]session.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(ctx, "list_runs"); err != nil {
		return nil, err
	}
	var out []session.Run
	for _, r := range s.runs {
		if r.UserID != f.UserID || (f.DeviceID != "" && r.DeviceID != f.DeviceID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].SessionID > out[j].SessionID
		}
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
