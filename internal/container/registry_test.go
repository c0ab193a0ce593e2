package container

import (
	"context"
	"testing"

	"containerforge/internal/cgroups"
	"containerforge/internal/kvstore"
	"containerforge/internal/launcher"
	"containerforge/internal/volume"
)

func TestManagerRegisterAndGet(t *testing.T) {
	m := NewManager(kvstore.NewMemStore(), cgroups.NewRegistry())
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))

	if err := m.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := m.Get("c1")
	if !ok || got != c {
		t.Fatal("Get did not return the registered container")
	}
	if len(m.List()) != 1 {
		t.Fatalf("List() length = %d, want 1", len(m.List()))
	}
}

func TestManagerForgetRemovesEntry(t *testing.T) {
	kv := kvstore.NewMemStore()
	m := NewManager(kv, cgroups.NewRegistry())
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))

	if err := m.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.forget(context.Background(), "c1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatal("expected container to be gone after forget")
	}
	if _, ok, _ := kv.Load(context.Background(), "c1"); ok {
		t.Fatal("expected KV record to be gone after forget")
	}
}

func TestManagerRehydrateRestoresIdentity(t *testing.T) {
	kv := kvstore.NewMemStore()
	m := NewManager(kv, cgroups.NewRegistry())
	c := New("c1", &launcher.TaskEnv{Argv: []string{"/bin/true"}}, volume.NewManager(nil))
	c.setState(StateRunning)
	if err := m.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m2 := NewManager(kv, cgroups.NewRegistry())
	if err := m2.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	got, ok := m2.Get("c1")
	if !ok {
		t.Fatal("expected c1 to be rehydrated")
	}
	if got.GetState() != StateRunning {
		t.Fatalf("rehydrated state = %v, want running", got.GetState())
	}
}

func TestManagerRegisterRejectsInvalidID(t *testing.T) {
	m := NewManager(kvstore.NewMemStore(), cgroups.NewRegistry())
	c := New("../../etc/passwd", &launcher.TaskEnv{}, volume.NewManager(nil))

	if err := m.Register(context.Background(), c); err == nil {
		t.Fatal("expected Register to reject a path-traversal-shaped id")
	}
}

func TestManagerRemoveViaRegistry(t *testing.T) {
	kv := kvstore.NewMemStore()
	m := NewManager(kv, cgroups.NewRegistry())
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	c.setState(StateStopped)
	if err := m.Register(context.Background(), c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := c.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatal("expected container to be removed from the registry")
	}
}
