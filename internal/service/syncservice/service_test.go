package syncservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/service/syncservice"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/store/memstore"
	"github.com/erauner12/syncengine/internal/syncerr"
)

var (
	t0   = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	note = record.Key{EntityType: "note", EntityID: "n1"}
)

type fixture struct {
	st  *memstore.Store
	svc *syncservice.Service
	rec *notify.Recorder
}

func newFixture(t *testing.T, policies conflict.Policies, opts syncservice.Options) *fixture {
	t.Helper()
	now := func() time.Time { return t0 }
	st := memstore.New().WithClock(now)
	rec := &notify.Recorder{}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = time.Millisecond
		opts.MaxInterval = 2 * time.Millisecond
	}
	svc := syncservice.New(st, policies, rec, opts).WithClock(now)
	return &fixture{st: st, svc: svc, rec: rec}
}

func manualPolicies() conflict.Policies {
	return conflict.Policies{Default: conflict.Policy{Severity: 3}}
}

func device(name string) identity.Identity {
	return identity.Identity{UserID: "u1", DeviceID: name}
}

func (f *fixture) begin(t *testing.T, id identity.Identity) session.Handle {
	t.Helper()
	h, err := f.svc.BeginSession(context.Background(), id, session.BeginInput{})
	if err != nil {
		t.Fatalf("BeginSession(%s): %v", id.DeviceID, err)
	}
	return h
}

// push runs one complete session carrying changes
func (f *fixture) push(t *testing.T, id identity.Identity, changes ...conflict.Change) syncservice.Result {
	t.Helper()
	ctx := context.Background()
	h := f.begin(t, id)
	res, err := f.svc.Sync(ctx, id, h, syncservice.Batch{Changes: changes})
	if err != nil {
		t.Fatalf("Sync(%s): %v", id.DeviceID, err)
	}
	if _, err := f.svc.EndSession(ctx, id, h, session.StatusCompleted, ""); err != nil {
		t.Fatalf("EndSession(%s): %v", id.DeviceID, err)
	}
	return res
}

func update(key record.Key, seq int64, base record.Token, payload string, at time.Time) conflict.Change {
	return conflict.Change{Key: key, Seq: seq, BaseToken: base, Payload: json.RawMessage(payload), ModifiedAt: at}
}

func remove(key record.Key, seq int64, base record.Token, at time.Time) conflict.Change {
	return conflict.Change{Key: key, Seq: seq, BaseToken: base, Delete: true, ModifiedAt: at}
}

func (f *fixture) record(t *testing.T, key record.Key) record.Record {
	t.Helper()
	r, err := f.st.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return r
}

func TestSyncAppliesAndDelivers(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	a := device("phone")
	n2 := record.Key{EntityType: "note", EntityID: "n2"}

	res := f.push(t, a,
		update(note, 1, 0, `{"v":"a"}`, t0),
		update(n2, 2, 0, `{"v":"b"}`, t0),
	)
	if res.State != syncservice.StateCompleted || res.Applied != 2 {
		t.Fatalf("result = %+v", res)
	}
	want := []syncservice.State{
		syncservice.StateIdle, syncservice.StatePulling, syncservice.StateDetecting,
		syncservice.StateResolving, syncservice.StateApplying, syncservice.StateCompleted,
	}
	if len(res.States) != len(want) {
		t.Fatalf("states = %v, want %v", res.States, want)
	}
	for i := range want {
		if res.States[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, res.States[i], want[i])
		}
	}
	for _, ack := range res.Acks {
		if ack.Status != syncservice.AckApplied || ack.Token == record.NoToken {
			t.Errorf("ack = %+v", ack)
		}
	}
	if len(res.Delta.Upserts) != 2 || res.Delta.HighWater != 2 {
		t.Errorf("delta = %+v", res.Delta)
	}

	entry, err := f.svc.SessionStatus(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Watermark != 2 || entry.Status != session.StatusCompleted || entry.ItemsSent != 2 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestConcurrentWritersNeverLoseAnUpdate(t *testing.T) {
	f := newFixture(t, manualPolicies(), syncservice.Options{})
	f.push(t, device("phone"), update(note, 1, 0, `{"v":"base"}`, t0))

	writers := []identity.Identity{device("laptop"), device("tablet")}
	payloads := []string{`{"v":"laptop"}`, `{"v":"tablet"}`}
	handles := make([]session.Handle, len(writers))
	for i, id := range writers {
		handles[i] = f.begin(t, id)
	}

	results := make([]syncservice.Result, len(writers))
	var wg sync.WaitGroup
	for i, id := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Sync(context.Background(), id, handles[i], syncservice.Batch{
				Changes: []conflict.Change{update(note, 1, 1, payloads[i], t0.Add(time.Minute))},
			})
			if err != nil {
				t.Errorf("Sync(%s): %v", id.DeviceID, err)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	applied, conflicted := -1, -1
	for i, res := range results {
		switch res.Acks[0].Status {
		case syncservice.AckApplied:
			applied = i
		case syncservice.AckConflict:
			conflicted = i
		}
	}
	if applied < 0 || conflicted < 0 {
		t.Fatalf("want one applied and one conflict, got %+v / %+v", results[0].Acks, results[1].Acks)
	}

	if got := string(f.record(t, note).Payload); got != payloads[applied] {
		t.Errorf("record payload = %s, want %s", got, payloads[applied])
	}
	c, err := f.st.OpenConflict(context.Background(), note)
	if err != nil {
		t.Fatalf("OpenConflict: %v", err)
	}
	if string(c.Client.Payload) != payloads[conflicted] || c.Type != conflict.TypeUpdateUpdate {
		t.Errorf("conflict = %+v", c)
	}
	if len(f.rec.OfKind(notify.KindManualConflict)) != 1 {
		t.Errorf("manual notifications = %d, want 1", len(f.rec.OfKind(notify.KindManualConflict)))
	}
}

func TestLastWriterWinsAcrossDevices(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	t1, t2, t3, t4 := t0, t0.Add(time.Minute), t0.Add(2*time.Minute), t0.Add(3*time.Minute)

	f.push(t, device("a"), update(note, 1, 0, `{"v":"a"}`, t1))
	f.push(t, device("b"), update(note, 1, 1, `{"v":"b"}`, t3))

	older := f.push(t, device("c"), update(note, 1, 1, `{"v":"c"}`, t2))
	ack := older.Acks[0]
	if ack.Status != syncservice.AckResolved || ack.Verdict != conflict.VerdictKeepServer || ack.Token != 2 {
		t.Fatalf("older write ack = %+v", ack)
	}
	if got := string(f.record(t, note).Payload); got != `{"v":"b"}` {
		t.Errorf("payload = %s after older write", got)
	}

	newer := f.push(t, device("d"), update(note, 1, 1, `{"v":"d"}`, t4))
	ack = newer.Acks[0]
	if ack.Status != syncservice.AckResolved || ack.Verdict != conflict.VerdictAcceptContent {
		t.Fatalf("newer write ack = %+v", ack)
	}
	r := f.record(t, note)
	if string(r.Payload) != `{"v":"d"}` || r.Token != ack.Token {
		t.Errorf("record = %+v, ack token %d", r, ack.Token)
	}
	if len(older.Pending) != 0 || len(newer.Pending) != 0 {
		t.Error("automatically resolved conflicts must not be pending")
	}
}

func TestOfflineUpdateNeverResurrects(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	f.push(t, device("a"), update(note, 1, 0, `{"v":"a"}`, t0))

	del := f.push(t, device("b"), remove(note, 1, 1, t0.Add(time.Minute)))
	if del.Acks[0].Status != syncservice.AckApplied {
		t.Fatalf("delete ack = %+v", del.Acks[0])
	}

	// device c edited the note while offline, after the deletion
	res := f.push(t, device("c"), update(note, 1, 1, `{"v":"c"}`, t0.Add(time.Hour)))
	ack := res.Acks[0]
	if ack.Status != syncservice.AckConflict || ack.ConflictType != conflict.TypeUpdateDelete || ack.Verdict != conflict.VerdictPending {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Error != "" {
		t.Errorf("update newer than the deletion flagged: %q", ack.Error)
	}
	if r := f.record(t, note); !r.Deleted {
		t.Error("record was resurrected")
	}
	if len(res.Pending) != 1 || res.Pending[0].ID != ack.ConflictID {
		t.Errorf("pending = %+v", res.Pending)
	}

	// a delete joining the open conflict makes both sides deletions, which closes it
	again := f.push(t, device("d"), remove(note, 1, 1, t0.Add(2*time.Hour)))
	ack = again.Acks[0]
	if ack.Status != syncservice.AckResolved || ack.Verdict != conflict.VerdictNoop || ack.ConflictID != res.Acks[0].ConflictID {
		t.Fatalf("delete on open conflict ack = %+v", ack)
	}
	if len(again.Pending) != 0 {
		t.Errorf("pending = %+v", again.Pending)
	}
	if r := f.record(t, note); !r.Deleted {
		t.Error("record was resurrected")
	}
}

func TestUpdateOlderThanDeletionCannotUndelete(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()
	f.push(t, device("a"), update(note, 1, 0, `{"v":"a"}`, t0))
	f.push(t, device("b"), remove(note, 1, 1, t0.Add(time.Hour)))

	// device c's edit happened before the deletion
	c := device("c")
	res := f.push(t, c, update(note, 1, 1, `{"v":"c"}`, t0.Add(time.Minute)))
	ack := res.Acks[0]
	if ack.Status != syncservice.AckConflict || ack.Error != syncerr.ErrResurrectionBlocked.Error() {
		t.Fatalf("ack = %+v", ack)
	}

	if _, err := f.svc.ResolveConflict(ctx, c, ack.ConflictID, conflict.StrategyUndelete); !errors.Is(err, syncerr.ErrResurrectionBlocked) {
		t.Errorf("undelete err = %v, want ErrResurrectionBlocked", err)
	}
	if r := f.record(t, note); !r.Deleted {
		t.Error("record was resurrected")
	}
}

func TestDeleteOfDeletedRecordIsNoop(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	f.push(t, device("a"), update(note, 1, 0, `{"v":"a"}`, t0))
	f.push(t, device("b"), remove(note, 1, 1, t0.Add(time.Minute)))

	res := f.push(t, device("c"), remove(note, 1, 1, t0.Add(2*time.Minute)))
	if res.Acks[0].Status != syncservice.AckNoop {
		t.Fatalf("ack = %+v", res.Acks[0])
	}
	stone, err := f.svc.Tombstones().Get(context.Background(), note)
	if err != nil {
		t.Fatal(err)
	}
	if !stone.HasObserved("b") || !stone.HasObserved("c") {
		t.Errorf("observed = %v", stone.ObservedBy)
	}
}

func TestPartialBatch(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	a := device("phone")
	h := f.begin(t, a)

	b := syncservice.DecodeBatch([]map[string]any{
		{"entityType": "note", "entityId": "n1", "seq": float64(1), "payload": map[string]any{"v": "a"}},
		{"entityType": "note", "seq": float64(2), "payload": map[string]any{"v": "b"}},
		{"entityType": "note", "entityId": "n3", "seq": float64(3), "payload": map[string]any{"v": "c"}},
	})
	res, err := f.svc.Sync(context.Background(), a, h, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != syncservice.StatePartialFailure {
		t.Errorf("state = %s, want partial-failure", res.State)
	}
	tests := []struct {
		index  int
		status syncservice.AckStatus
	}{
		{0, syncservice.AckApplied},
		{1, syncservice.AckRejected},
		{2, syncservice.AckApplied},
	}
	for _, tt := range tests {
		if got := res.Acks[tt.index].Status; got != tt.status {
			t.Errorf("ack[%d] = %s, want %s", tt.index, got, tt.status)
		}
	}
	if res.Acks[1].Error == "" {
		t.Error("rejected ack must carry a reason")
	}

	entry, err := f.svc.EndSession(context.Background(), a, h, session.StatusCompleted, "")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != session.StatusPartialFailure || entry.ErrorCount != 1 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestEditsInOneBatchChain(t *testing.T) {
	f := newFixture(t, manualPolicies(), syncservice.Options{})
	res := f.push(t, device("phone"),
		update(note, 1, 0, `{"v":1}`, t0),
		update(note, 2, 0, `{"v":2}`, t0.Add(time.Second)),
		remove(note, 3, 0, t0.Add(2*time.Second)),
	)
	for _, ack := range res.Acks {
		if ack.Status != syncservice.AckApplied {
			t.Fatalf("ack = %+v", ack)
		}
	}
	r := f.record(t, note)
	if !r.Deleted || r.Token != 3 || string(r.Payload) != `{"v":2}` {
		t.Errorf("record = %+v", r)
	}
}

func TestSequenceOrderWins(t *testing.T) {
	f := newFixture(t, manualPolicies(), syncservice.Options{})
	// delivered out of order; seq 1 must be applied first
	res := f.push(t, device("phone"),
		update(note, 2, 0, `{"v":2}`, t0.Add(time.Second)),
		update(note, 1, 0, `{"v":1}`, t0),
	)
	if res.Acks[1].Token != 1 || res.Acks[0].Token != 2 {
		t.Errorf("acks = %+v", res.Acks)
	}
	if got := string(f.record(t, note).Payload); got != `{"v":2}` {
		t.Errorf("payload = %s", got)
	}
}

func TestSessionRules(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()
	a := device("phone")
	h := f.begin(t, a)

	if _, err := f.svc.BeginSession(ctx, a, session.BeginInput{}); !errors.Is(err, syncerr.ErrSessionConflict) {
		t.Errorf("second BeginSession err = %v, want ErrSessionConflict", err)
	}
	other := identity.Identity{UserID: "u2", DeviceID: "phone"}
	if _, err := f.svc.Sync(ctx, other, h, syncservice.Batch{}); !errors.Is(err, syncerr.ErrSessionConflict) {
		t.Errorf("foreign Sync err = %v, want ErrSessionConflict", err)
	}
	if _, err := f.svc.Sync(ctx, identity.Identity{UserID: "u1"}, h, syncservice.Batch{}); !errors.Is(err, syncerr.ErrIdentityUnavailable) {
		t.Errorf("Sync without device err = %v, want ErrIdentityUnavailable", err)
	}

	pull := device("watch")
	ph, err := f.svc.BeginSession(ctx, pull, session.BeginInput{Direction: session.DirectionPull})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Sync(ctx, pull, ph, syncservice.Batch{Changes: []conflict.Change{update(note, 1, 0, `{}`, t0)}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Acks[0].Status != syncservice.AckRejected {
		t.Errorf("change in pull session ack = %+v", res.Acks[0])
	}
}

func TestCancellationFailsSession(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	a := device("phone")
	h := f.begin(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.st.Fault = func(op string) error {
		if op == "cas" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	res, err := f.svc.Sync(ctx, a, h, syncservice.Batch{Changes: []conflict.Change{update(note, 1, 0, `{"v":1}`, t0)}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.State != syncservice.StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}

	f.st.Fault = nil
	entry, err := f.svc.SessionStatus(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != session.StatusFailed || entry.Watermark != record.NoToken {
		t.Errorf("entry = %+v", entry)
	}
}

func TestTransientStorageFailureIsRetried(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{MaxRetries: 3})
	failures := 2
	f.st.Fault = func(op string) error {
		if op == "cas" && failures > 0 {
			failures--
			return syncerr.Unavailable("cas", errors.New("connection reset"))
		}
		return nil
	}

	res := f.push(t, device("phone"), update(note, 1, 0, `{"v":1}`, t0))
	if res.Acks[0].Status != syncservice.AckApplied {
		t.Errorf("ack = %+v", res.Acks[0])
	}
	if failures != 0 {
		t.Errorf("remaining failures = %d", failures)
	}
}

func TestExhaustedRetriesFailSession(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{MaxRetries: 2})
	a := device("phone")
	h := f.begin(t, a)
	f.st.Fault = func(op string) error {
		if op == "cas" {
			return syncerr.Unavailable("cas", errors.New("connection refused"))
		}
		return nil
	}

	res, err := f.svc.Sync(context.Background(), a, h, syncservice.Batch{Changes: []conflict.Change{update(note, 1, 0, `{"v":1}`, t0)}})
	if !errors.Is(err, syncerr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if res.State != syncservice.StateFailed {
		t.Errorf("state = %s", res.State)
	}
	entry, err := f.svc.SessionStatus(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != session.StatusFailed || entry.Watermark != record.NoToken || entry.ErrorCount != 1 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestPullPagesAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()
	var changes []conflict.Change
	for i, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		changes = append(changes, update(record.Key{EntityType: "note", EntityID: id}, int64(i+1), 0, `{}`, t0))
	}
	f.push(t, device("phone"), changes...)

	b := device("laptop")
	h := f.begin(t, b)
	var seen []record.Token
	cursor := ""
	for page := 0; ; page++ {
		d, err := f.svc.Pull(ctx, b, h, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range d.Upserts {
			seen = append(seen, r.Token)
		}
		if !d.HasMore {
			break
		}
		if d.NextCursor == "" || page > 5 {
			t.Fatalf("page %d: bad paging state %+v", page, d)
		}
		cursor = d.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("pulled tokens = %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("tokens out of order: %v", seen)
		}
	}

	entry, err := f.svc.EndSession(ctx, b, h, session.StatusCompleted, "")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Watermark != 5 {
		t.Errorf("watermark = %d, want 5", entry.Watermark)
	}

	h = f.begin(t, b)
	d, err := f.svc.Pull(ctx, b, h, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Size() != 0 || d.HighWater != 5 {
		t.Errorf("delta after watermark = %+v", d)
	}
	if _, err := f.svc.Pull(ctx, b, h, "not-a-cursor", 0); !errors.Is(err, syncerr.ErrInvalidBatch) {
		t.Errorf("bad cursor err = %v", err)
	}
}

func TestDeletionPropagatesToEveryDevice(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()
	f.push(t, device("phone"),
		update(note, 1, 0, `{"v":1}`, t0),
		remove(note, 2, 0, t0.Add(time.Second)),
	)

	b := device("laptop")
	h := f.begin(t, b)
	d, err := f.svc.Pull(ctx, b, h, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Upserts) != 0 || len(d.Deletes) != 1 {
		t.Fatalf("delta = %+v", d)
	}
	if del := d.Deletes[0]; del.Key != note || del.Context != "user-action" || del.DeletedBy == nil {
		t.Errorf("deletion = %+v", del)
	}

	stone, err := f.svc.Tombstones().Get(ctx, note)
	if err != nil {
		t.Fatal(err)
	}
	if !stone.Propagated || stone.SyncCount != 1 {
		t.Errorf("tombstone = %+v", stone)
	}
}

func TestUnregisterReleasesTombstones(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()

	tablet := device("tablet")
	th := f.begin(t, tablet)
	if _, err := f.svc.EndSession(ctx, tablet, th, session.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	f.push(t, device("phone"),
		update(note, 1, 0, `{"v":1}`, t0),
		remove(note, 2, 0, t0.Add(time.Second)),
	)

	laptop := device("laptop")
	h := f.begin(t, laptop)
	if _, err := f.svc.Pull(ctx, laptop, h, "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.EndSession(ctx, laptop, h, session.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	afterRetention := t0.Add(31 * 24 * time.Hour)
	if archived, err := f.svc.Tombstones().Purge(ctx, afterRetention); err != nil || len(archived) != 0 {
		t.Fatalf("purged while tablet is registered: %v, %v", archived, err)
	}

	// the tablet never comes back
	if err := f.svc.UnregisterDevice(ctx, laptop, "tablet"); err != nil {
		t.Fatal(err)
	}
	archived, err := f.svc.Tombstones().Purge(ctx, afterRetention)
	if err != nil || len(archived) != 1 || archived[0].Key != note {
		t.Fatalf("purge after unregister = %+v, %v", archived, err)
	}
}

func TestRestoreRecord(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()
	a := device("phone")
	f.push(t, a,
		update(note, 1, 0, `{"v":"keep"}`, t0),
		remove(note, 2, 0, t0.Add(time.Second)),
	)

	if _, err := f.svc.RestoreRecord(ctx, identity.Identity{UserID: "u2", DeviceID: "x"}, note); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("foreign restore err = %v", err)
	}

	r, err := f.svc.RestoreRecord(ctx, a, note)
	if err != nil {
		t.Fatal(err)
	}
	if r.Deleted || r.Epoch != record.InitialEpoch+1 || string(r.Payload) != `{"v":"keep"}` {
		t.Errorf("restored = %+v", r)
	}
	if len(f.rec.OfKind(notify.KindRecordRestored)) != 1 {
		t.Error("restore was not notified")
	}
	if _, err := f.svc.RestoreRecord(ctx, a, note); !errors.Is(err, syncerr.ErrAlreadyRestored) {
		t.Errorf("second restore err = %v", err)
	}
}

func TestManualResolution(t *testing.T) {
	f := newFixture(t, manualPolicies(), syncservice.Options{})
	ctx := context.Background()
	c := device("c")
	f.push(t, device("a"), update(note, 1, 0, `{"v":"a"}`, t0))
	f.push(t, device("b"), update(note, 1, 1, `{"v":"b"}`, t0.Add(time.Minute)))
	res := f.push(t, c, update(note, 1, 1, `{"v":"c"}`, t0.Add(2*time.Minute)))

	id := res.Acks[0].ConflictID
	if res.Acks[0].Status != syncservice.AckConflict || id == "" {
		t.Fatalf("ack = %+v", res.Acks[0])
	}
	pending, err := f.svc.PendingConflicts(ctx, c, "", 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
	if _, err := f.svc.ResolveConflict(ctx, identity.Identity{UserID: "u2", DeviceID: "x"}, id, conflict.StrategyClientWins); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("foreign resolve err = %v", err)
	}

	out, err := f.svc.ResolveConflict(ctx, c, id, conflict.StrategyClientWins)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictAcceptContent || out.Conflict.Status != conflict.StatusApplied {
		t.Errorf("outcome = %+v", out)
	}
	if got := string(f.record(t, note).Payload); got != `{"v":"c"}` {
		t.Errorf("payload = %s", got)
	}
	if pending, _ := f.svc.PendingConflicts(ctx, c, "", 0); len(pending) != 0 {
		t.Errorf("pending after resolve = %d", len(pending))
	}
	if _, err := f.svc.IgnoreConflict(ctx, c, id); !errors.Is(err, conflict.ErrClosed) {
		t.Errorf("ignore closed err = %v", err)
	}
}

func TestHistoryCountsWrites(t *testing.T) {
	f := newFixture(t, conflict.DefaultPolicies(), syncservice.Options{})
	ctx := context.Background()
	phone := device("phone")
	n2 := record.Key{EntityType: "note", EntityID: "n2"}

	run := func(changes ...conflict.Change) (string, syncservice.Result) {
		t.Helper()
		h := f.begin(t, phone)
		res, err := f.svc.Sync(ctx, phone, h, syncservice.Batch{Changes: changes})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.EndSession(ctx, phone, h, session.StatusCompleted, ""); err != nil {
			t.Fatal(err)
		}
		return h.ID, res
	}

	first, res := run(update(note, 1, 0, `{"v":"a"}`, t0), update(n2, 2, 0, `{"v":"b"}`, t0))
	second, _ := run(update(note, 3, res.Acks[0].Token, `{"v":"a2"}`, t0.Add(time.Minute)), remove(n2, 4, res.Acks[1].Token, t0.Add(time.Minute)))
	third, _ := run(remove(n2, 5, res.Acks[1].Token, t0.Add(2*time.Minute)))

	runs, err := f.svc.History(ctx, phone, "phone", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]session.Writes{
		first:  {Created: 2},
		second: {Updated: 1, Deleted: 1},
		third:  {Skipped: 1},
	}
	if len(runs) != len(want) {
		t.Fatalf("runs = %+v, want %d", runs, len(want))
	}
	for _, r := range runs {
		if w, ok := want[r.SessionID]; !ok || r.Writes != w {
			t.Errorf("run %s writes = %+v, want %+v", r.SessionID, r.Writes, w)
		}
		if r.Status != session.StatusCompleted || r.DeviceID != "phone" {
			t.Errorf("run = %+v", r)
		}
	}

	if _, err := f.svc.History(ctx, identity.Identity{}, "", 0); !errors.Is(err, syncerr.ErrIdentityUnavailable) {
		t.Errorf("history without identity: %v", err)
	}
}
