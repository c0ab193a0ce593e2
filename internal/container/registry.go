package container

import (
	"context"
	"regexp"
	"sync"

	"containerforge/internal/cgroups"
	"containerforge/internal/errs"
	"containerforge/internal/kvstore"
)

// validIDRegex bounds a container ID to the same charset and length
// the teacher's ValidationRule for container names enforces
// (legacy/validation.go: MaxContainerNameLength, validContainerNameRegex),
// since an ID this registry persists also ends up as a KV key and a
// cgroup directory component.
var validIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,252}$`)

func validateID(id string) error {
	if !validIDRegex.MatchString(id) {
		return errs.InvalidValuef("Manager.Register", id)
	}
	return nil
}

// Manager is the process-wide container registry: the live ID->
// Container map, its KV-backed persistence, and restart recovery.
// Generalizes the teacher's ad hoc findRunningContainer/
// findContainerByCgroup (main.go), which re-derives a *Container by
// walking /sys/fs/cgroup on demand, into an explicit registry that
// keeps every live container addressable by ID and persists its
// identity so a crash-restarted daemon can list containers without
// guessing at names.
type Manager struct {
	mu         sync.RWMutex
	containers map[string]*Container
	kv         kvstore.Store
	cgroups    *cgroups.Registry
}

// NewManager returns an empty registry backed by kv for persistence
// and cg for cgroup-leaf rediscovery.
func NewManager(kv kvstore.Store, cg *cgroups.Registry) *Manager {
	return &Manager{
		containers: make(map[string]*Container),
		kv:         kv,
		cgroups:    cg,
	}
}

// Register adds c to the registry, persists its identity record, and
// points c back at this registry so its Remove can drop itself.
func (m *Manager) Register(ctx context.Context, c *Container) error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	m.mu.Lock()
	c.registry = m
	m.containers[c.ID] = c
	m.mu.Unlock()
	return m.persist(ctx, c)
}

func (m *Manager) persist(ctx context.Context, c *Container) error {
	return m.kv.Save(ctx, c.ID, toRecord(c))
}

// Get returns the live container for id, or ok=false if none is
// registered.
func (m *Manager) Get(id string) (*Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	return c, ok
}

// List returns every currently registered container.
func (m *Manager) List() []*Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	return out
}

// forget removes id's persisted record and live entry. Called by
// Container.Remove once a container has landed in a terminal state.
func (m *Manager) forget(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.containers, id)
	m.mu.Unlock()
	return m.kv.Delete(ctx, id)
}

// Rehydrate reads every persisted container record back into the
// registry without relaunching anything, spec.md §8 scenario E's
// "state is durable across a crash" applied to containers the way
// internal/volume's Rehydrate applies it to volumes. A rehydrated
// container has no live *launcher.Process and no cgroup leaves wired
// in yet; Rediscover fills the cgroup side back in for containers
// whose task is still actually running.
func (m *Manager) Rehydrate(ctx context.Context) error {
	keys, err := m.kv.List(ctx)
	if err != nil {
		return errs.Wrap(errs.Unknown, "Manager.Rehydrate", err)
	}
	for _, key := range keys {
		rec, ok, err := m.kv.Load(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		id, state, createdAt, argv, rootPath := fromRecord(rec)
		if id == "" {
			continue
		}
		c := &Container{
			ID:           id,
			state:        state,
			CreatedAt:    createdAt,
			CgroupLeaves: make(map[string]*cgroups.Cgroup),
			registry:     m,
		}
		c.cond.L = &c.mu
		_ = argv
		_ = rootPath
		m.mu.Lock()
		m.containers[id] = c
		m.mu.Unlock()
	}
	return nil
}

// Rediscover walks controllers' mounted hierarchy for leaves whose
// name contains a registered container's ID, reattaching any match as
// that container's cgroup leaf. Generalizes the teacher's
// findContainerByCgroup (main.go), which greps for a single
// gophertainer-<name> cgroup.procs file, into a bulk pass over every
// rehydrated container using the registry's own weak-value Rediscover.
func (m *Manager) Rediscover(controllers []string) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		leaves, err := m.cgroups.Rediscover(controllers, id)
		if err != nil {
			return err
		}
		if len(leaves) == 0 {
			continue
		}
		c, ok := m.Get(id)
		if !ok {
			continue
		}
		c.mu.Lock()
		for _, leaf := range leaves {
			c.CgroupLeaves[identityOf(controllers)] = leaf
		}
		if c.state == StateStopped || c.state == StateDead {
			c.state = StateRunning
		}
		c.mu.Unlock()
	}
	return nil
}

func identityOf(controllers []string) string {
	if len(controllers) == 0 {
		return ""
	}
	key := controllers[0]
	for _, c := range controllers[1:] {
		key += "," + c
	}
	return key
}
