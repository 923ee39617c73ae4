package mirror

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ApplyAndGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	err := s.ApplySnapshot(ctx, map[string]json.RawMessage{
		"x":     json.RawMessage(`1`),
		"users": json.RawMessage(`{"alice":{"online":true}}`),
	})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	v, ok, err := s.Get(ctx, "x")
	if err != nil || !ok || string(v) != "1" {
		t.Errorf("Get(x) = %s, %v, %v", v, ok, err)
	}
	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v", ok, err)
	}

	// Partial snapshots replace only the keys they name.
	err = s.ApplySnapshot(ctx, map[string]json.RawMessage{
		"x":     json.RawMessage(`2`),
		"users": json.RawMessage(`null`),
	})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || string(all["x"]) != "2" {
		t.Errorf("All = %v", all)
	}
}

func TestStore_InvalidValueRollsBack(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	err := s.ApplySnapshot(ctx, map[string]json.RawMessage{
		"a": json.RawMessage(`true`),
		"b": json.RawMessage(`{broken`),
	})
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("partial snapshot persisted: %v", all)
	}
}

func TestStore_Cursor(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if _, ok, err := s.Cursor(ctx); ok || err != nil {
		t.Fatalf("Cursor before record = %v, %v", ok, err)
	}
	if err := s.RecordCursor(ctx, "E1", 100); err != nil {
		t.Fatalf("RecordCursor: %v", err)
	}
	if err := s.RecordCursor(ctx, "E2", 7); err != nil {
		t.Fatalf("RecordCursor: %v", err)
	}
	c, ok, err := s.Cursor(ctx)
	if err != nil || !ok {
		t.Fatalf("Cursor = %v, %v", ok, err)
	}
	if c.RuntimeEpoch != "E2" || c.Seq != 7 || !c.UpdatedAt.Equal(fixed) {
		t.Errorf("Cursor = %+v", c)
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.ApplySnapshot(ctx, map[string]json.RawMessage{"k": json.RawMessage(`"v"`)}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	if v, ok, _ := s.Get(ctx, "k"); !ok || string(v) != `"v"` {
		t.Errorf("Get after reopen = %s, %v", v, ok)
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(InMemory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.ApplySnapshot(context.Background(), map[string]json.RawMessage{"k": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if _, ok, _ := s.Get(context.Background(), "k"); !ok {
		t.Error("in-memory value lost")
	}
}
