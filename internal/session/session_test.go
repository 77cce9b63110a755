package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kokistudios/cascade/internal/store"
)

func setupDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenProject(t.TempDir())
	if err != nil {
		t.Fatalf("store.OpenProject: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		input, want string
	}{
		{"Claude Pane 3", "claude-pane-3"},
		{"agent#42!", "agent42"},
		{"", "agent"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{strings.Repeat("abc ", 20), "abc-abc-abc-abc-abc-abc-abc-abc-abc-abc"},
	}
	for _, tc := range cases {
		got := slugify(tc.input)
		if got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestGenerateID_Format(t *testing.T) {
	id := GenerateID("worker one")
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		t.Fatalf("expected at least 3 parts in ID %q", id)
	}
	if len(parts[0]) != 8 {
		t.Errorf("expected date part to be 8 chars, got %q", parts[0])
	}
	if len(parts[len(parts)-1]) != 8 {
		t.Errorf("expected hex suffix to be 8 chars, got %q", parts[len(parts)-1])
	}
}

func TestGenerateID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := GenerateID("agent")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestStart(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	sess, err := Start(ctx, db, "pane-1", WithProject("/work/api"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.AgentID != "pane-1" || sess.Project != "/work/api" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if sess.Ended() {
		t.Error("new session should not be ended")
	}

	got, err := Get(ctx, db, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("Get returned %s, want %s", got.ID, sess.ID)
	}

	if _, err := Start(ctx, db, "   "); err == nil {
		t.Error("expected error for empty agent id")
	}
}

func TestStart_ExplicitIDCollision(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if _, err := Start(ctx, db, "a", WithID("fixed")); err != nil {
		t.Fatal(err)
	}
	if _, err := Start(ctx, db, "a", WithID("fixed")); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestEnd_Once(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	sess, err := Start(ctx, db, "pane-1")
	if err != nil {
		t.Fatal(err)
	}
	ended, err := End(ctx, db, sess.ID, "shipped")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.EndedAt == nil {
		t.Fatal("expected end time")
	}
	first := *ended.EndedAt

	if _, err := End(ctx, db, sess.ID, "again"); !errors.Is(err, ErrAlreadyEnded) {
		t.Errorf("expected ErrAlreadyEnded, got %v", err)
	}
	got, _ := Get(ctx, db, sess.ID)
	if !got.EndedAt.Equal(first) || got.Summary != "shipped" {
		t.Errorf("second End changed the session: %+v", got)
	}

	if _, err := End(ctx, db, "missing", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetActive(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	a, _ := Start(ctx, db, "a")
	if _, err := Start(ctx, db, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := End(ctx, db, a.ID, ""); err != nil {
		t.Fatal(err)
	}

	active, err := GetActive(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].AgentID != "b" {
		t.Errorf("unexpected active sessions: %+v", active)
	}
	all, _ := List(ctx, db)
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}
}

func TestSummarize(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	sess, _ := Start(ctx, db, "a")
	if _, err := db.CreateTransaction(ctx, store.Transaction{ID: "t1", SessionID: sess.ID, Scope: "x"}); err != nil {
		t.Fatal(err)
	}
	t2, err := db.CreateTransaction(ctx, store.Transaction{ID: "t2", SessionID: sess.ID, Scope: "y"})
	if err != nil {
		t.Fatal(err)
	}
	t2.Status = store.TxClosed
	t2.Phase = store.PhaseClosed
	t2.Outcome = store.OutcomeAbandoned
	if _, err := db.UpdateTransaction(ctx, t2); err != nil {
		t.Fatal(err)
	}

	sum, err := Summarize(ctx, db, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Open != 1 || sum.Abandoned != 1 || sum.Completed != 0 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}
