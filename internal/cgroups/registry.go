package cgroups

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"containerforge/internal/errs"
)

// Registry is the process-wide weak-value map of live cgroup nodes,
// keyed by (controller-set, path) identity. Go has no cheap
// cross-toolchain weak pointer, so the "at most one live object"
// invariant is enforced with explicit reference counting instead:
// every call to Root, Child or Hold increments a holder's count, every
// release decrements it, and the entry is dropped from the map when the count
// reaches zero. This is the Open Question (see DESIGN.md) resolution
// for spec.md §3's "weak-value registry" requirement.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*regEntry
}

type regEntry struct {
	cg       *Cgroup
	refcount int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*regEntry)}
}

// Root returns the shared root Cgroup node for the given controller
// set, mounted at the conventional cgroup v1 tmpfs path (or looking up
// an already-registered node of the same identity).
func (r *Registry) Root(controllers []string) *Cgroup {
	sorted := append([]string(nil), controllers...)
	sort.Strings(sorted)
	mountpoint := filepath.Join(cgroupV1TmpfsPath, strings.Join(sorted, ","))
	key := identityKey(controllers, "")

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refcount++
		return e.cg
	}
	cg := &Cgroup{
		controllers: append([]string(nil), controllers...),
		path:        "",
		mountpoint:  mountpoint,
		isRoot:      true,
		registry:    r,
	}
	r.entries[key] = &regEntry{cg: cg, refcount: 1}
	return cg
}

// Child returns the shared Cgroup node for name under parent,
// creating and registering a fresh node if none is currently live.
func (r *Registry) Child(parent *Cgroup, name string) *Cgroup {
	childPath := filepath.Join(parent.path, name)
	key := identityKey(parent.controllers, childPath)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refcount++
		return e.cg
	}
	cg := &Cgroup{
		controllers: append([]string(nil), parent.controllers...),
		path:        childPath,
		mountpoint:  filepath.Join(parent.mountpoint, name),
		parent:      parent,
		registry:    r,
	}
	r.entries[key] = &regEntry{cg: cg, refcount: 1}
	parent.mu.Lock()
	parent.children = append(parent.children, cg)
	parent.mu.Unlock()
	return cg
}

// Hold increments the reference count of an already-obtained node,
// for a second owner sharing the same live object.
func (r *Registry) Hold(cg *Cgroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[cg.Identity()]; ok {
		e.refcount++
	}
}

// release decrements cg's reference count and drops it from the
// registry once no holder remains. Called by Cgroup.Remove on
// success; removal of the node from disk and removal of the registry
// entry are independent, but in practice Remove callers always want
// both.
func (r *Registry) release(cg *Cgroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cg.Identity()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, key)
	}
}

// Lookup returns the live node for (controllers, path) without
// creating one, or ok=false if nothing is currently registered there.
func (r *Registry) Lookup(controllers []string, path string) (*Cgroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identityKey(controllers, path)]
	if !ok {
		return nil, false
	}
	return e.cg, true
}

// Rediscover walks a controller set's mounted hierarchy for directory
// names containing containerIDPrefix, registering (if not already
// live) and returning a Cgroup for each match. Supplements spec.md §5's
// "cgroups orphaned by crash are rediscovered on restart by walking
// each controller mountpoint", per SPEC_FULL.md §7.
func (r *Registry) Rediscover(controllers []string, containerIDPrefix string) ([]*Cgroup, error) {
	root := r.Root(controllers)
	entries, err := readDirNames(root.mountpoint)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "Registry.Rediscover", err, root.mountpoint)
	}
	var found []*Cgroup
	for _, name := range entries {
		if !strings.Contains(name, containerIDPrefix) {
			continue
		}
		found = append(found, r.Child(root, name))
	}
	return found, nil
}
