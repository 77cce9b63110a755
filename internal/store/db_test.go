package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kokistudios/cascade/internal/vector"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenProject(t.TempDir())
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTransaction(t *testing.T, db *DB, scope string) Transaction {
	t.Helper()
	ctx := context.Background()
	sessionID := "sess-" + scope
	if _, err := db.GetSession(ctx, sessionID); errors.Is(err, ErrNotFound) {
		if err := db.CreateSession(ctx, Session{ID: sessionID, AgentID: "agent"}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	tx, err := db.CreateTransaction(ctx, Transaction{ID: "tx-" + scope, SessionID: sessionID, Scope: scope, InstanceID: "pane-1"})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return tx
}

func TestOpenProject_Layout(t *testing.T) {
	root := t.TempDir()
	db, err := OpenProject(root)
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	defer db.Close()

	if db.Path() != filepath.Join(root, ".cascade", "cascade.db") {
		t.Errorf("unexpected path %s", db.Path())
	}
	v, err := db.SchemaVersion(context.Background())
	if err != nil || v != schemaVersion {
		t.Errorf("SchemaVersion = %q, %v", v, err)
	}

	// reopening runs migrations again without error
	db2, err := OpenProject(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestOpen_AddsTTYColumnToOlderStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := openSQLite(path)
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	_, err = raw.Exec(`CREATE TABLE transactions (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		goal_id      TEXT NOT NULL DEFAULT '',
		scope        TEXT NOT NULL,
		instance_id  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		phase        TEXT NOT NULL,
		outcome      TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '',
		opened_at    TEXT NOT NULL,
		closed_at    TEXT,
		version      INTEGER NOT NULL DEFAULT 1
	)`)
	raw.Close()
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.CreateSession(ctx, Session{ID: "s1", AgentID: "agent"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := db.CreateTransaction(ctx, Transaction{ID: "tx-1", SessionID: "s1", Scope: "a", TTY: "/dev/pts/3"}); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	got, err := db.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.TTY != "/dev/pts/3" {
		t.Errorf("TTY = %q", got.TTY)
	}
	if v, _ := db.SchemaVersion(ctx); v != schemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", v, schemaVersion)
	}
}

func TestStoredTimesSortChronologically(t *testing.T) {
	whole := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	half := whole.Add(500 * time.Millisecond)
	if a, b := fmtTime(whole), fmtTime(half); a >= b {
		t.Errorf("%q does not sort before %q", a, b)
	}
	if got := parseTime(fmtTime(half)); !got.Equal(half) {
		t.Errorf("parseTime(fmtTime) = %v, want %v", got, half)
	}

	db := setupDB(t)
	ctx := context.Background()
	if err := db.CreateSession(ctx, Session{ID: "s1", AgentID: "agent"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, tx := range []Transaction{
		{ID: "a-later", SessionID: "s1", Scope: "x", TTY: "/dev/pts/1", OpenedAt: half},
		{ID: "b-earlier", SessionID: "s1", Scope: "y", TTY: "/dev/pts/1", OpenedAt: whole},
	} {
		if _, err := db.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
	}
	txs, err := db.ListTransactions(ctx, "")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	var ids []string
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	if diff := cmp.Diff([]string{"b-earlier", "a-later"}, ids); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSession_EndOnce(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if err := db.CreateSession(ctx, Session{ID: "s1", AgentID: "agent"}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateSession(ctx, Session{ID: "s1", AgentID: "agent"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	ended, err := db.EndSession(ctx, "s1", "done")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if !ended.Ended() || ended.Summary != "done" {
		t.Errorf("unexpected session after end: %+v", ended)
	}

	if _, err := db.EndSession(ctx, "s1", "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second end, got %v", err)
	}
	if _, err := db.EndSession(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	active, err := db.ListSessions(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active sessions, got %d", len(active))
	}
}

func TestTransaction_OneOpenPerScope(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	_, err := db.CreateTransaction(ctx, Transaction{ID: "tx-other", SessionID: tx.SessionID, Scope: "api"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for second open transaction, got %v", err)
	}

	now := time.Now()
	tx.Status = TxClosed
	tx.Phase = PhaseClosed
	tx.Outcome = OutcomeCompleted
	tx.ClosedAt = &now
	if _, err := db.UpdateTransaction(ctx, tx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := db.CreateTransaction(ctx, Transaction{ID: "tx-next", SessionID: tx.SessionID, Scope: "api"}); err != nil {
		t.Errorf("expected new transaction after close, got %v", err)
	}

	open, err := db.OpenTransactionIn(ctx, tx.SessionID, "api")
	if err != nil {
		t.Fatal(err)
	}
	if open.ID != "tx-next" {
		t.Errorf("open transaction = %s, want tx-next", open.ID)
	}
}

func TestTransaction_OptimisticVersion(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	first := tx
	first.Phase = PhasePreflight
	updated, err := db.UpdateTransaction(ctx, first)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.Version != tx.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, tx.Version+1)
	}

	// A second writer still holding the old version must lose.
	stale := tx
	stale.InstanceID = "pane-2"
	if _, err := db.UpdateTransaction(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	got, err := db.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InstanceID != "pane-1" || got.Phase != PhasePreflight {
		t.Errorf("stale write leaked: %+v", got)
	}

	missing := tx
	missing.ID = "nope"
	if _, err := db.UpdateTransaction(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func sampleVectors() map[vector.Vector]vector.VectorState {
	return map[vector.Vector]vector.VectorState{
		vector.Know:        {Score: 0.1 + 0.2, Rationale: "read the handler"}, // not representable exactly
		vector.Uncertainty: {Score: 0.5},
		vector.Engagement:  {Score: 1.0 / 3.0, Rationale: "tired"},
		vector.Impact:      {Score: math.Nextafter(0.7, 1), Rationale: "edge"},
	}
}

func TestReflex_RoundTripBitIdentical(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	in := Reflex{
		Phase:     PhasePreflight,
		Vectors:   sampleVectors(),
		Reasoning: "starting",
		Payload:   []byte(`{"note":"x"}`),
	}
	written, moved, err := db.RecordReflex(ctx, tx, in, PhasePreflight)
	if err != nil {
		t.Fatalf("RecordReflex: %v", err)
	}
	if moved.Phase != PhasePreflight || moved.Version != tx.Version+1 {
		t.Errorf("transaction not advanced: %+v", moved)
	}

	got, err := db.LatestReflex(ctx, tx.ID, PhasePreflight)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(written, got); diff != "" {
		t.Errorf("reflex round trip mismatch (-written +read):\n%s", diff)
	}
	for v, st := range in.Vectors {
		if math.Float64bits(got.Vectors[v].Score) != math.Float64bits(st.Score) {
			t.Errorf("%s: score bits differ: %v vs %v", v, got.Vectors[v].Score, st.Score)
		}
	}
	if !VerifyReflex(got) {
		t.Error("content hash did not verify after round trip")
	}
}

func TestReflex_RoundsIncrease(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	_, tx, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhasePreflight, Vectors: sampleVectors()}, PhasePreflight)
	if err != nil {
		t.Fatal(err)
	}
	for want := 1; want <= 3; want++ {
		var r Reflex
		r, tx, err = db.RecordReflex(ctx, tx, Reflex{Phase: PhaseCheck, Vectors: sampleVectors(), Decision: "investigate"}, PhaseCheck)
		if err != nil {
			t.Fatalf("check round %d: %v", want, err)
		}
		if r.Round != want {
			t.Errorf("round = %d, want %d", r.Round, want)
		}
	}

	all, err := db.ListReflexes(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, r := range all {
		order = append(order, fmt.Sprintf("%s/%d", r.Phase, r.Round))
	}
	want := []string{"PREFLIGHT/1", "CHECK/1", "CHECK/2", "CHECK/3"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("reflex order mismatch:\n%s", diff)
	}
}

func TestReflex_StaleVersionWritesNothing(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	if _, _, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhasePreflight, Vectors: sampleVectors()}, PhasePreflight); err != nil {
		t.Fatal(err)
	}
	// tx still carries version 1
	_, _, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhaseCheck, Vectors: sampleVectors()}, PhaseCheck)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	all, err := db.ListReflexes(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected the conflicting reflex to roll back, have %d reflexes", len(all))
	}
}

func TestReflex_Immutable(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")
	if _, _, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhasePreflight, Vectors: sampleVectors()}, PhasePreflight); err != nil {
		t.Fatal(err)
	}
	if _, err := db.db.Exec(`UPDATE reflexes SET reasoning = 'edited'`); err == nil {
		t.Error("expected update of reflex to be rejected")
	}
}

func TestReflex_CommitFailureRollsBack(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	db.hooks.commit = func(tx *sql.Tx) error {
		tx.Rollback()
		return errors.New("disk full")
	}
	if _, _, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhasePreflight, Vectors: sampleVectors()}, PhasePreflight); err == nil {
		t.Fatal("expected commit failure to surface")
	}
	db.hooks.commit = nil

	got, err := db.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != PhaseNone || got.Version != tx.Version {
		t.Errorf("transaction changed despite failed commit: %+v", got)
	}
	all, _ := db.ListReflexes(ctx, tx.ID)
	if len(all) != 0 {
		t.Errorf("expected no reflexes, got %d", len(all))
	}
}

func TestReflex_ConcurrentWritersOneWins(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhasePreflight, Vectors: sampleVectors()}, PhasePreflight)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 3 {
		t.Errorf("wins=%d conflicts=%d, want 1 and 3", wins, conflicts)
	}
}

func TestIntegrity_DetectAndRepair(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tx := seedTransaction(t, db, "api")

	_, tx, err := db.RecordReflex(ctx, tx, Reflex{Phase: PhasePreflight, Vectors: sampleVectors()}, PhasePreflight)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err = db.RecordReflex(ctx, tx, Reflex{Phase: PhaseCheck, Vectors: sampleVectors()}, PhaseCheck); err != nil {
		t.Fatal(err)
	}

	// Simulate a write that landed the reflex but lost the phase update.
	if _, err := db.db.Exec(`UPDATE transactions SET phase = 'PREFLIGHT' WHERE id = ?`, tx.ID); err != nil {
		t.Fatal(err)
	}

	issues, err := db.CheckIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 || !issues[0].Repairable || issues[0].Derived != PhaseCheck {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	fixed, err := db.RepairIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fixed) != 1 {
		t.Errorf("expected one fix, got %v", fixed)
	}
	issues, _ = db.CheckIntegrity(ctx)
	if len(issues) != 0 {
		t.Errorf("expected clean store after repair, got %+v", issues)
	}
}

func TestGoals(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	g := Goal{ID: "g1", Objective: "ship auth", Scope: Scope{Breadth: 0.4, Duration: 0.3, Coordination: 0.2}}
	if err := db.CreateGoal(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateSubtask(ctx, Subtask{ID: "st1", GoalID: "g1", Description: "write handler"}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateSubtask(ctx, Subtask{ID: "st2", GoalID: "missing", Description: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for subtask of missing goal, got %v", err)
	}
	if err := db.AddGoalNote(ctx, "g1", NoteFinding, "tokens expire hourly"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddGoalNote(ctx, "g1", NoteDeadEnd, "middleware rewrite"); err != nil {
		t.Fatal(err)
	}

	if err := db.CompleteSubtask(ctx, "st1", "tests pass"); err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteSubtask(ctx, "st1", "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	if err := db.CompleteGoal(ctx, "g1", "merged"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed || got.CompletionReason != "merged" {
		t.Errorf("goal not completed: %+v", got)
	}
	if diff := cmp.Diff([]string{"tokens expire hourly"}, got.Findings); diff != "" {
		t.Errorf("findings mismatch:\n%s", diff)
	}
	if len(got.DeadEnds) != 1 || len(got.Unknowns) != 0 {
		t.Errorf("unexpected notes: %+v", got)
	}

	open, err := db.ListGoals(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open goals, got %d", len(open))
	}
}

func TestBeliefs_Upsert(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if _, err := db.GetBeliefContext(ctx, "auth"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.PutBeliefContext(ctx, BeliefContext{Context: "auth", Active: true, Domain: "security", Reason: "precision-critical"}); err != nil {
		t.Fatal(err)
	}
	bc, err := db.GetBeliefContext(ctx, "auth")
	if err != nil || !bc.Active {
		t.Fatalf("GetBeliefContext = %+v, %v", bc, err)
	}

	b := Belief{Context: "auth", Vector: vector.Know, Mean: 0.5, Variance: 0.25}
	if err := db.PutBelief(ctx, b); err != nil {
		t.Fatal(err)
	}
	b.Mean, b.Variance, b.EvidenceCount = 0.65, 0.2, 1
	if err := db.PutBelief(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetBelief(ctx, "auth", vector.Know)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mean != 0.65 || got.Variance != 0.2 || got.EvidenceCount != 1 {
		t.Errorf("belief not replaced: %+v", got)
	}
	all, _ := db.ListBeliefs(ctx, "auth")
	if len(all) != 1 {
		t.Errorf("expected one belief, got %d", len(all))
	}
}

func TestEvidence_RejectsUngroundable(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for _, v := range []vector.Vector{vector.Engagement, vector.Coherence, vector.Density} {
		err := db.AddEvidence(ctx, Evidence{ID: "e-" + string(v), TransactionID: "tx", Source: "tests",
			Quality: QualityObjective, Vectors: map[vector.Vector]float64{v: 0.8}})
		var ve *vector.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", v, err)
		}
	}

	ok := Evidence{ID: "e1", TransactionID: "tx", Source: "tests", Quality: QualityObjective,
		Vectors: map[vector.Vector]float64{vector.Know: 0.8, vector.Do: 0.9}}
	if err := db.AddEvidence(ctx, ok); err != nil {
		t.Fatal(err)
	}
	list, err := db.ListEvidence(ctx, "tx")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Vectors[vector.Know] != 0.8 {
		t.Errorf("unexpected evidence: %+v", list)
	}
}

func TestDriftEntries_AutoTurn(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := db.AddDriftEntry(ctx, DriftEntry{SessionID: "s", DelegateWeight: 0.4, TrusteeWeight: 0.6})
		if err != nil {
			t.Fatal(err)
		}
		if d.Turn != i+1 {
			t.Errorf("turn = %d, want %d", d.Turn, i+1)
		}
	}
	if _, err := db.AddDriftEntry(ctx, DriftEntry{SessionID: "s", DelegateWeight: 0.4, TrusteeWeight: 0.4}); err == nil {
		t.Error("expected weights not summing to 1 to be rejected")
	}
	list, _ := db.ListDriftEntries(ctx, "s")
	if len(list) != 3 {
		t.Errorf("expected 3 entries, got %d", len(list))
	}
}

func TestCalibrations_Latest(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if _, err := db.LatestCalibration(ctx, "tx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.SaveCalibration(ctx, Calibration{ID: "c1", TransactionID: "tx", Report: []byte(`{"a":1}`)}); err != nil {
		t.Fatal(err)
	}
	c, err := db.LatestCalibration(ctx, "tx")
	if err != nil {
		t.Fatal(err)
	}
	if string(c.Report) != `{"a":1}` {
		t.Errorf("report = %s", c.Report)
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	calls := 0
	err := WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err=%v calls=%d, want nil and 3", err, calls)
	}

	calls = 0
	permanent := errors.New("syntax error")
	if err := WithRetry(ctx, 3, time.Millisecond, func() error { calls++; return permanent }); !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("non-retriable error retried: err=%v calls=%d", err, calls)
	}

	calls = 0
	if err := WithRetry(ctx, 2, time.Millisecond, func() error { calls++; return busy }); !errors.Is(err, busy) || calls != 3 {
		t.Errorf("exhausted retries: err=%v calls=%d", err, calls)
	}
}
