package conflict_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/store"
	"github.com/erauner12/syncengine/internal/store/memstore"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/erauner12/syncengine/internal/tombstone"
)

var (
	key      = record.Key{EntityType: "note", EntityID: "n1"}
	deviceA  = record.Actor{UserID: "u1", DeviceID: "a"}
	deviceB  = record.Actor{UserID: "u1", DeviceID: "b"}
	reviewer = record.Actor{UserID: "u1", DeviceID: "web"}
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	st       *memstore.Store
	det      *conflict.Detector
	res      *conflict.Resolver
	stones   *tombstone.Service
	recorder *notify.Recorder
}

func newFixture(policies conflict.Policies) *fixture {
	st := memstore.New()
	det := conflict.NewDetector(policies)
	stones := tombstone.NewService(st, 0)
	rec := &notify.Recorder{}
	return &fixture{
		st:       st,
		det:      det,
		res:      conflict.NewResolver(st, st, stones, rec, det),
		stones:   stones,
		recorder: rec,
	}
}

func (f *fixture) write(t *testing.T, w store.Write) record.Record {
	t.Helper()
	w.Key, w.OwnerID = key, "u1"
	res, err := f.st.CompareAndSwap(context.Background(), w)
	if err != nil || !res.Applied {
		t.Fatalf("seed write: applied=%v err=%v", res.Applied, err)
	}
	return res.Record
}

// open detects ch against the current server state and persists the conflict
func (f *fixture) open(t *testing.T, ch conflict.Change, actor record.Actor) conflict.Conflict {
	t.Helper()
	ctx := context.Background()
	server, err := f.st.Get(ctx, ch.Key)
	if err != nil {
		t.Fatal(err)
	}
	dec := f.det.Detect(conflict.DetectInput{
		Key:             ch.Key,
		ClientBaseToken: ch.BaseToken,
		ClientIsDelete:  ch.Delete,
		ServerToken:     server.Token,
		ServerIsDeleted: server.Deleted,
	})
	if !dec.Conflict {
		t.Fatal("expected a conflict")
	}
	c, created, err := f.st.CreateConflict(ctx, f.det.New(ch, "u1", actor, server.Snapshot(), dec.Type))
	if err != nil || !created {
		t.Fatalf("create conflict: created=%v err=%v", created, err)
	}
	return c
}

func update(base record.Token, body string, at time.Time) conflict.Change {
	return conflict.Change{Key: key, BaseToken: base, Payload: json.RawMessage(body), ModifiedAt: at}
}

func TestLastWriterWinsScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())

	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{"v":"base"}`), ModifiedAt: t0})
	// device A commits first
	r2 := f.write(t, store.Write{ExpectedToken: r1.Token, Payload: json.RawMessage(`{"v":"A"}`), Actor: deviceA, ModifiedAt: t0.Add(time.Minute)})

	// device B still holds T1 and edited later than A
	c := f.open(t, update(r1.Token, `{"v":"B"}`, t0.Add(2*time.Minute)), deviceB)
	if c.Type != conflict.TypeUpdateUpdate {
		t.Fatalf("type = %s", c.Type)
	}

	out, err := f.res.Resolve(ctx, c, conflict.StrategyLastWriterWins, deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictAcceptContent {
		t.Fatalf("verdict = %s", out.Verdict)
	}
	if out.Token <= r2.Token {
		t.Errorf("T3 = %d should follow T2 = %d", out.Token, r2.Token)
	}
	cur, _ := f.st.Get(ctx, key)
	if string(cur.Payload) != `{"v":"B"}` || cur.Token != out.Token {
		t.Errorf("server state = %s @ %d", cur.Payload, cur.Token)
	}
	if out.Conflict.Status != conflict.StatusApplied || out.Conflict.ResolvedToken != out.Token {
		t.Errorf("conflict = %+v", out.Conflict)
	}
	if len(f.recorder.OfKind(notify.KindConflictResolved)) != 1 {
		t.Error("expected one resolved notification")
	}
}

func TestLastWriterWinsTieKeepsServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	f.write(t, store.Write{ExpectedToken: r1.Token, Payload: json.RawMessage(`{"v":"server"}`), ModifiedAt: t0.Add(time.Minute)})

	c := f.open(t, update(r1.Token, `{"v":"client"}`, t0.Add(time.Minute)), deviceB)
	out, err := f.res.Resolve(ctx, c, conflict.StrategyLastWriterWins, deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictKeepServer {
		t.Fatalf("verdict = %s, want keep-server", out.Verdict)
	}
	cur, _ := f.st.Get(ctx, key)
	if string(cur.Payload) != `{"v":"server"}` {
		t.Errorf("server content replaced: %s", cur.Payload)
	}
}

func TestClientWinsRequiresUpdateUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	f.write(t, store.Write{ExpectedToken: r1.Token, Payload: json.RawMessage(`{"v":1}`), ModifiedAt: t0})

	c := f.open(t, conflict.Change{Key: key, BaseToken: r1.Token, Delete: true, ModifiedAt: t0.Add(time.Hour)}, deviceB)
	if c.Type != conflict.TypeDeleteUpdate {
		t.Fatalf("type = %s", c.Type)
	}
	_, err := f.res.Resolve(ctx, c, conflict.StrategyClientWins, deviceB)
	if !errors.Is(err, conflict.ErrStrategyNotApplicable) {
		t.Fatalf("expected ErrStrategyNotApplicable, got %v", err)
	}
}

func TestDeleteWinsRecordsTombstone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{"v":0}`), ModifiedAt: t0})
	f.write(t, store.Write{ExpectedToken: r1.Token, Payload: json.RawMessage(`{"v":1}`), ModifiedAt: t0})

	c := f.open(t, conflict.Change{Key: key, BaseToken: r1.Token, Delete: true, ModifiedAt: t0}, deviceB)
	out, err := f.res.Resolve(ctx, c, conflict.StrategyDeleteWins, deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictAcceptDeletion || out.Record == nil || !out.Record.Deleted {
		t.Fatalf("outcome = %+v", out)
	}
	stone, err := f.stones.Get(ctx, key)
	if err != nil {
		t.Fatalf("tombstone missing: %v", err)
	}
	if stone.Token != out.Token || string(stone.Backup) != `{"v":1}` {
		t.Errorf("tombstone = %+v", stone)
	}
}

func TestOfflineUpdateAgainstDeletionStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	t1 := t0.Add(time.Hour)
	del := f.write(t, store.Write{ExpectedToken: r1.Token, Delete: true, Actor: deviceA, ModifiedAt: t1})
	if _, err := f.stones.RecordDeletion(ctx, tombstone.DeletionInput{Key: key, OwnerID: "u1", Actor: deviceA, Token: del.Token, DeletedAt: t1}); err != nil {
		t.Fatal(err)
	}

	// B was offline since before t1 and edited at t0 < t1
	c := f.open(t, update(r1.Token, `{"v":"offline"}`, t0.Add(time.Minute)), deviceB)
	if c.Type != conflict.TypeUpdateDelete {
		t.Fatalf("type = %s", c.Type)
	}

	policy := f.det.Policies().For(key.EntityType)
	out, err := f.res.Resolve(ctx, c, policy.StrategyFor(c.Type), deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictPending || out.Conflict.Status != conflict.StatusDetected {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.Conflict.Notified || len(f.recorder.OfKind(notify.KindManualConflict)) != 1 {
		t.Error("manual conflict should be notified exactly once")
	}

	// resolving again does not notify twice
	if _, err := f.res.Resolve(ctx, out.Conflict, conflict.StrategyManual, deviceB); err != nil {
		t.Fatal(err)
	}
	if len(f.recorder.OfKind(notify.KindManualConflict)) != 1 {
		t.Error("duplicate manual notification")
	}

	cur, _ := f.st.Get(ctx, key)
	if !cur.Deleted {
		t.Error("record resurrected")
	}
}

func TestLastWriterWinsNeverResurrects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	f.write(t, store.Write{ExpectedToken: r1.Token, Delete: true, ModifiedAt: t0})

	c := f.open(t, update(r1.Token, `{"v":"newer"}`, t0.Add(time.Hour)), deviceB)
	out, err := f.res.Resolve(ctx, c, conflict.StrategyLastWriterWins, deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictPending {
		t.Fatalf("verdict = %s, want pending", out.Verdict)
	}
	cur, _ := f.st.Get(ctx, key)
	if !cur.Deleted {
		t.Error("record resurrected by automatic strategy")
	}
}

func TestUndelete(t *testing.T) {
	ctx := context.Background()
	t1 := t0.Add(time.Hour)

	tests := []struct {
		name     string
		clientAt time.Time
		wantErr  error
	}{
		{"older change blocked", t0.Add(time.Minute), syncerr.ErrResurrectionBlocked},
		{"same timestamp blocked", t1, syncerr.ErrResurrectionBlocked},
		{"newer change restores", t1.Add(time.Minute), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(conflict.DefaultPolicies())
			r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
			del := f.write(t, store.Write{ExpectedToken: r1.Token, Delete: true, ModifiedAt: t1})
			if _, err := f.stones.RecordDeletion(ctx, tombstone.DeletionInput{Key: key, OwnerID: "u1", Token: del.Token, DeletedAt: t1}); err != nil {
				t.Fatal(err)
			}

			c := f.open(t, update(r1.Token, `{"v":"back"}`, tt.clientAt), deviceB)
			out, err := f.res.Resolve(ctx, c, conflict.StrategyUndelete, reviewer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				cur, _ := f.st.Get(ctx, key)
				if !cur.Deleted {
					t.Error("record resurrected")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if out.Record == nil || out.Record.Deleted || out.Record.Epoch != record.InitialEpoch+1 {
				t.Fatalf("restored record = %+v", out.Record)
			}
			if _, err := f.stones.Get(ctx, key); !errors.Is(err, syncerr.ErrNotFound) {
				t.Error("tombstone should be marked restored")
			}
			if _, err := f.stones.CanRestore(ctx, key); !errors.Is(err, syncerr.ErrAlreadyRestored) {
				t.Errorf("second restore: %v", err)
			}
		})
	}
}

func TestUndeleteDisabledByPolicy(t *testing.T) {
	ps := conflict.DefaultPolicies()
	ps.Default.AllowUndelete = false
	f := newFixture(ps)
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	f.write(t, store.Write{ExpectedToken: r1.Token, Delete: true, ModifiedAt: t0})

	c := f.open(t, update(r1.Token, `{}`, t0.Add(time.Hour)), deviceB)
	if _, err := f.res.Resolve(context.Background(), c, conflict.StrategyUndelete, reviewer); !errors.Is(err, conflict.ErrStrategyNotApplicable) {
		t.Fatalf("expected ErrStrategyNotApplicable, got %v", err)
	}
}

func TestResolveRedetectsWhenServerMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	r2 := f.write(t, store.Write{ExpectedToken: r1.Token, Payload: json.RawMessage(`{"v":2}`), ModifiedAt: t0})

	c := f.open(t, update(r1.Token, `{"v":"client"}`, t0.Add(time.Hour)), deviceB)

	// another writer deletes the record after detection
	r3 := f.write(t, store.Write{ExpectedToken: r2.Token, Delete: true, ModifiedAt: t0.Add(time.Minute)})

	out, err := f.res.Resolve(ctx, c, conflict.StrategyClientWins, deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Redetected {
		t.Fatal("expected re-detection")
	}
	if out.Conflict.Server.Token != r3.Token || out.Conflict.Type != conflict.TypeUpdateDelete {
		t.Errorf("refreshed conflict = %+v", out.Conflict)
	}
	if out.Conflict.Status != conflict.StatusDetected || out.Conflict.ResolutionAttempts != 1 {
		t.Errorf("status = %s attempts = %d", out.Conflict.Status, out.Conflict.ResolutionAttempts)
	}
	cur, _ := f.st.Get(ctx, key)
	if !cur.Deleted || cur.Token != r3.Token {
		t.Error("stale resolution was applied")
	}
}

func TestDecideAndIgnore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	f.write(t, store.Write{ExpectedToken: r1.Token, Payload: json.RawMessage(`{"v":1}`), ModifiedAt: t0})
	c := f.open(t, update(r1.Token, `{"v":"mine"}`, t0), deviceB)

	ignored, err := f.res.Ignore(ctx, c.ID, reviewer)
	if err != nil {
		t.Fatal(err)
	}
	if ignored.Status != conflict.StatusIgnored || ignored.ResolvedBy == nil {
		t.Errorf("ignored = %+v", ignored)
	}
	if _, err := f.res.Decide(ctx, c.ID, conflict.StrategyClientWins, reviewer); !errors.Is(err, conflict.ErrClosed) {
		t.Fatalf("decide on ignored conflict: %v", err)
	}
	if _, err := f.res.Ignore(ctx, c.ID, reviewer); !errors.Is(err, conflict.ErrClosed) {
		t.Fatalf("second ignore: %v", err)
	}
	if _, err := f.st.OpenConflict(ctx, key); !errors.Is(err, syncerr.ErrNotFound) {
		t.Error("ignored conflict still open")
	}
}

func TestDeleteDeleteIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(conflict.DefaultPolicies())
	r1 := f.write(t, store.Write{Payload: json.RawMessage(`{}`), ModifiedAt: t0})
	del := f.write(t, store.Write{ExpectedToken: r1.Token, Delete: true, ModifiedAt: t0})

	c := f.open(t, conflict.Change{Key: key, BaseToken: r1.Token, Delete: true, ModifiedAt: t0}, deviceB)
	out, err := f.res.Resolve(ctx, c, "", deviceB)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict != conflict.VerdictNoop || out.Conflict.Status != conflict.StatusApplied {
		t.Fatalf("outcome = %+v", out)
	}
	cur, _ := f.st.Get(ctx, key)
	if cur.Token != del.Token {
		t.Error("no-op wrote to the record")
	}
}
