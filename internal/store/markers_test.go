package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func setupMarkers(t *testing.T) *Markers {
	t.Helper()
	m, err := OpenMarkers(filepath.Join(t.TempDir(), "instances.db"))
	if err != nil {
		t.Fatalf("OpenMarkers: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMarkers_PutGet(t *testing.T) {
	m := setupMarkers(t)
	ctx := context.Background()

	if _, err := m.Get(ctx, "instance:a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	mk, err := m.Put(ctx, "instance:a", "one")
	if err != nil {
		t.Fatal(err)
	}
	if mk.Version != 1 {
		t.Errorf("version = %d, want 1", mk.Version)
	}
	if _, err := m.Put(ctx, "instance:a", "two"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	got, err := m.Get(ctx, "instance:a")
	if err != nil || got.Value != "one" {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestMarkers_CompareAndSwap(t *testing.T) {
	m := setupMarkers(t)
	ctx := context.Background()

	mk, err := m.Put(ctx, "tx:1", "owner-a")
	if err != nil {
		t.Fatal(err)
	}
	swapped, err := m.CompareAndSwap(ctx, "tx:1", mk.Version, "owner-b")
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if swapped.Version != 2 {
		t.Errorf("version = %d, want 2", swapped.Version)
	}

	// the loser of a race still holds version 1
	if _, err := m.CompareAndSwap(ctx, "tx:1", mk.Version, "owner-c"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if _, err := m.CompareAndSwap(ctx, "tx:missing", 1, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := m.Get(ctx, "tx:1")
	if got.Value != "owner-b" {
		t.Errorf("value = %q, want owner-b", got.Value)
	}
}

func TestMarkers_SetAndDelete(t *testing.T) {
	m := setupMarkers(t)
	ctx := context.Background()

	if _, err := m.Set(ctx, "tty:/dev/pts/3", "a"); err != nil {
		t.Fatal(err)
	}
	mk, err := m.Set(ctx, "tty:/dev/pts/3", "b")
	if err != nil {
		t.Fatal(err)
	}
	if mk.Version != 2 || mk.Value != "b" {
		t.Errorf("Set = %+v", mk)
	}

	if err := m.Delete(ctx, "tty:/dev/pts/3", 1); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for stale delete, got %v", err)
	}
	if err := m.Delete(ctx, "tty:/dev/pts/3", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "tty:/dev/pts/3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMarkers_ListPrefix(t *testing.T) {
	m := setupMarkers(t)
	ctx := context.Background()

	for _, k := range []string{"instance:b", "instance:a", "tx:1", "snapshot:a"} {
		if _, err := m.Put(ctx, k, "v"); err != nil {
			t.Fatal(err)
		}
	}
	list, err := m.List(ctx, "instance:")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Key != "instance:a" || list[1].Key != "instance:b" {
		t.Errorf("unexpected list: %+v", list)
	}
	all, _ := m.List(ctx, "")
	if len(all) != 4 {
		t.Errorf("expected 4 markers, got %d", len(all))
	}
}

func TestMarkers_SharedAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.db")
	a, err := OpenMarkers(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenMarkers(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	ctx := context.Background()

	mk, err := a.Put(ctx, "tx:9", "pane-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.CompareAndSwap(ctx, "tx:9", mk.Version, "pane-2"); err != nil {
		t.Fatalf("CAS from second handle: %v", err)
	}
	if _, err := a.CompareAndSwap(ctx, "tx:9", mk.Version, "pane-1-again"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected first handle to see conflict, got %v", err)
	}
}
