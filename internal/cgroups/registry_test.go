package cgroups

import "testing"

func TestRegistryRootSharesIdentity(t *testing.T) {
	r := NewRegistry()
	a := r.Root([]string{"memory", "cpu"})
	b := r.Root([]string{"cpu", "memory"})

	if a != b {
		t.Fatalf("expected Root to return the same shared node regardless of controller order")
	}
	if a.mountpoint != b.mountpoint {
		t.Errorf("expected equal mountpoints, got %q and %q", a.mountpoint, b.mountpoint)
	}
}

func TestRegistryChildCreatesAndShares(t *testing.T) {
	r := NewRegistry()
	root := r.Root([]string{"memory"})
	c1 := r.Child(root, "container-a")
	c2 := r.Child(root, "container-a")

	if c1 != c2 {
		t.Fatalf("expected Child to return the same shared node for the same name")
	}
	if len(root.FindChildren()) != 1 {
		t.Errorf("expected exactly 1 registered child, got %d", len(root.FindChildren()))
	}
}

func TestRegistryReleaseDropsAtZeroRefcount(t *testing.T) {
	r := NewRegistry()
	root := r.Root([]string{"memory"})
	child := r.Child(root, "container-a")

	key := child.Identity()
	if _, ok := r.entries[key]; !ok {
		t.Fatalf("expected child to be registered")
	}

	r.release(child)
	if _, ok := r.entries[key]; ok {
		t.Errorf("expected entry to be dropped after release at refcount 0")
	}
}

func TestRegistryHoldIncrementsRefcount(t *testing.T) {
	r := NewRegistry()
	root := r.Root([]string{"memory"})
	child := r.Child(root, "container-a")

	r.Hold(child)
	key := child.Identity()

	r.release(child)
	if _, ok := r.entries[key]; !ok {
		t.Errorf("expected entry to survive one release after an extra Hold")
	}
	r.release(child)
	if _, ok := r.entries[key]; ok {
		t.Errorf("expected entry to be dropped after the second release")
	}
}

func TestRegistryLookupMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup([]string{"memory"}, "nonexistent"); ok {
		t.Errorf("expected Lookup to report false for an unregistered identity")
	}
}

func TestIdentityKeyIgnoresControllerOrder(t *testing.T) {
	a := identityKey([]string{"cpu", "memory"}, "foo")
	b := identityKey([]string{"memory", "cpu"}, "foo")
	if a != b {
		t.Errorf("identityKey should be order-independent: %q != %q", a, b)
	}
}
