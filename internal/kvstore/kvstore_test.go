package kvstore

import (
	"context"
	"testing"
)

func TestMemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if _, ok, err := s.Load(ctx, "/vol/a"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	rec := Record{"state": "READY", "backend": "loop"}
	if err := s.Save(ctx, "/vol/a", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load(ctx, "/vol/a")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got["state"] != "READY" {
		t.Errorf("state = %q, want READY", got["state"])
	}

	got["state"] = "DESTROYED"
	reloaded, _, _ := s.Load(ctx, "/vol/a")
	if reloaded["state"] != "READY" {
		t.Errorf("Load should return an independent copy, mutation leaked: %q", reloaded["state"])
	}

	if err := s.Delete(ctx, "/vol/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "/vol/a"); ok {
		t.Errorf("expected key gone after Delete")
	}
}

func TestMemStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.Save(ctx, "/vol/a", Record{"id": "a"})
	s.Save(ctx, "/vol/b", Record{"id": "b"})

	keys, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	rec := Record{"state": "READY", "path": "/vol/data"}
	if err := s.Save(ctx, "/vol/data", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load(ctx, "/vol/data")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got["state"] != "READY" {
		t.Errorf("state = %q, want READY", got["state"])
	}

	keys, err := s.List(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("List: keys=%v err=%v", keys, err)
	}

	if err := s.Delete(ctx, "/vol/data"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "/vol/data"); ok {
		t.Errorf("expected key gone after delete")
	}
}

func TestFileStoreLoadMissingIsNotError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, ok, err := s.Load(ctx, "/nope"); err != nil || ok {
		t.Fatalf("expected ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}
