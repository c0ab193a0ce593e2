// Package containerforge wires the runtime's components (cgroup
// registry, netlink engine, volume manager, launcher, container
// registry, KV store, logger) into one explicit Runtime value,
// replacing the teacher's package-level DependencyContainer/
// Dependencies pair (legacy/dependency_injection.go) with a single
// struct constructed once and passed explicitly, per spec.md §9's
// design note that the runtime should have no hidden global state
// beyond small immutable lookup tables.
package containerforge

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"containerforge/internal/cgroups"
	"containerforge/internal/container"
	"containerforge/internal/errs"
	"containerforge/internal/kvstore"
	"containerforge/internal/launcher"
	"containerforge/internal/netlinkmgr"
	"containerforge/internal/volume"
	"containerforge/internal/volume/backends"
)

// Runtime is the single mutable-state container every entrypoint
// builds once and threads through explicitly, generalizing the
// teacher's DependencyContainer/Dependencies (legacy/
// dependency_injection.go) from a fixed, hardcoded set of
// singletons to the runtime's actual component set (spec.md §2,
// components A-G).
type Runtime struct {
	Logger *slog.Logger

	Cgroups    *cgroups.Registry
	Net        *netlinkmgr.Engine
	Volumes    *volume.Manager
	Launcher   *launcher.Launcher
	Containers *container.Manager
	KV         kvstore.Store

	mu       sync.Mutex
	shutdown bool
}

// Config controls what NewRuntime builds. A zero Config is valid: it
// falls back to an in-memory KV store and stderr text logging, the
// same defaults the teacher's initLogger/globalDependencyContainer
// apply when nothing else was configured.
type Config struct {
	// StateDir, if set, backs the KV store with a kvstore.FileStore
	// rooted there instead of an in-memory store, so container and
	// volume identity survives a daemon restart (spec.md §8 scenario
	// E).
	StateDir string

	// Debug raises the logger to slog.LevelDebug, matching the
	// teacher's initLogger debug-flag branch (legacy/main.go).
	Debug bool

	// ChurnPerSecond/ChurnBurst configure internal/volume's per-place
	// rate limiter (volume.Manager.SetChurnLimit); zero leaves volume
	// churn unthrottled, the NewManager default.
	ChurnPerSecond float64
	ChurnBurst     int
}

// NewRuntime constructs every component and wires the ones that
// depend on each other: the container registry holds the cgroup
// registry so Manager.Rediscover can walk it, and the volume manager
// gets every backend this module carries registered under its
// spec.md §3 Spec.Backend name.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	logger := newLogger(cfg.Debug)

	kv, err := newStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	cgRegistry := cgroups.NewRegistry()
	volMgr := volume.NewManager(kv)
	if cfg.ChurnPerSecond > 0 {
		volMgr.SetChurnLimit(cfg.ChurnPerSecond, cfg.ChurnBurst)
	}
	registerBackends(volMgr)

	r := &Runtime{
		Logger:     logger,
		Cgroups:    cgRegistry,
		Net:        netlinkmgr.NewEngine(),
		Volumes:    volMgr,
		Launcher:   &launcher.Launcher{},
		Containers: container.NewManager(kv, cgRegistry),
		KV:         kv,
	}
	return r, nil
}

// newLogger mirrors the teacher's initLogger (legacy/main.go): a
// plain text handler on stderr, Info level unless Debug raises it.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newStore(stateDir string) (kvstore.Store, error) {
	if stateDir == "" {
		return kvstore.NewMemStore(), nil
	}
	store, err := kvstore.NewFileStore(stateDir)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "NewRuntime.newStore", err, stateDir)
	}
	return store, nil
}

// registerBackends wires every volume backend this module carries
// (internal/volume/backends) under the Spec.Backend name spec.md §3
// expects, the same name-keyed registration the teacher's
// StorageManager does for its storage drivers (legacy/
// storage_drivers.go).
func registerBackends(m *volume.Manager) {
	m.RegisterBackend("plain", &backends.PlainBackend{})
	m.RegisterBackend("dir", &backends.DirBackend{})
	m.RegisterBackend("tmpfs", &backends.TmpfsBackend{})
	m.RegisterBackend("overlay", &backends.OverlayBackend{})
	m.RegisterBackend("loop", &backends.LoopBackend{})
	m.RegisterBackend("quota", &backends.QuotaBackend{})
	m.RegisterBackend("lvm", &backends.LVMBackend{})
	m.RegisterBackend("rbd", &backends.RBDBackend{})
}

// Recover restores container and volume identity from the KV store
// after a restart, the Go realization of spec.md §8 scenario E: the
// daemon process died and was relaunched, and every container/volume
// that was RUNNING when it died must be restored rather than assumed
// gone: volumes and containers are rehydrated from their KV records,
// and container cgroup leaves are rediscovered from the cgroup mounts.
func (r *Runtime) Recover(ctx context.Context, controllers []string) error {
	chain := errs.NewChain("Runtime.Recover")
	if err := r.Volumes.Rehydrate(ctx); err != nil {
		chain.Add(err)
	}
	if err := r.Containers.Rehydrate(ctx); err != nil {
		chain.Add(err)
	}
	if err := r.Containers.Rediscover(controllers); err != nil {
		chain.Add(err)
	}
	if chain.HasErrors() {
		return chain.ToError()
	}
	return nil
}

// Shutdown tears down every container still running and releases the
// runtime's resources, generalizing the teacher's
// DependencyContainer.Shutdown (legacy/dependency_injection.go) from
// a fixed singleton list to every live container this Runtime is
// holding.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	chain := errs.NewChain("Runtime.Shutdown")
	for _, c := range r.Containers.List() {
		if err := c.Destroy(ctx); err != nil {
			chain.Add(err)
		}
	}
	if chain.HasErrors() {
		return chain.ToError()
	}
	return nil
}
