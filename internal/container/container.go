// Package container implements the container state machine: STOPPED
// -> STARTING -> RUNNING -> STOPPING -> (DEAD | STOPPED), wiring a
// launched task to the cgroup leaves and volume links it owns, and
// driving teardown on Destroy/Remove. Grounded on the teacher's
// Container/ContainerState pair (container.go, cleanup.go): a
// mutex-guarded state field broadcast over a sync.Cond, and a
// once-guarded list of named cleanup functions run with a bounded
// timeout.
package container

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"containerforge/internal/cgroups"
	"containerforge/internal/errs"
	"containerforge/internal/launcher"
	"containerforge/internal/netlinkmgr"
	"containerforge/internal/volume"
)

// State is one of the container lifecycle states, spec.md §5.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ExitStatus is spec.md §4.F's TExitStatus: the error plane's final
// verdict on a task, carrying either a structured launch failure or
// the waitpid-derived process exit code.
type ExitStatus struct {
	Error  error
	Status int
}

// CleanupFunc is one named teardown step, generalized from the
// teacher's CleanupFunc (container.go).
type CleanupFunc struct {
	Name string
	Fn   func() error
}

// Container is spec.md §5's state machine instance: one task
// environment, its cgroup leaves, and the volume links it holds.
type Container struct {
	ID string

	mu    sync.RWMutex
	cond  sync.Cond
	once  sync.Once
	state State

	Env  *launcher.TaskEnv
	proc *launcher.Process

	// NetConfig, when non-nil, describes the host-side links Start
	// must create and move into the task's new netns before the final
	// stage runs its own network bring-up, spec.md §4.D's network
	// setup sequence steps 1-2. Nil means no netns was requested, or
	// the caller already joined an existing one via Env.ParentNs.Net.
	NetConfig *netlinkmgr.NetConfig
	// Shaping, when non-nil, installs this container's HTB class and
	// cgroup classifier filter on the host-facing link named in it.
	Shaping *netlinkmgr.ShapingSpec

	CgroupLeaves map[string]*cgroups.Cgroup
	VolMgr       *volume.Manager
	Links        []*volume.Link // link order; teardown walks this LIFO

	ExitStatus ExitStatus
	cleanups   []CleanupFunc

	CreatedAt time.Time

	launcher *launcher.Launcher
	registry *Manager
}

// New builds a Container bound to env, not yet started.
func New(id string, env *launcher.TaskEnv, volMgr *volume.Manager) *Container {
	c := &Container{
		ID:           id,
		Env:          env,
		CgroupLeaves: make(map[string]*cgroups.Cgroup),
		VolMgr:       volMgr,
		CreatedAt:    time.Now(),
		launcher:     &launcher.Launcher{},
	}
	c.cond.L = &c.mu
	return c
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.cond.Broadcast()
}

// GetState returns the container's current state.
func (c *Container) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// waitForState blocks until the container reaches target or timeout
// elapses, returning whether target was reached. Grounded on the
// teacher's waitForState (cleanup.go).
func (c *Container) waitForState(target State, timeout time.Duration) bool {
	return c.waitForAny(timeout, target)
}

// waitForAny blocks until the container reaches any of targets or
// timeout elapses, returning whether it did.
func (c *Container) waitForAny(timeout time.Duration, targets ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(timeout)
	for !stateIn(c.state, targets) && time.Now().Before(deadline) {
		c.cond.Wait()
	}
	return stateIn(c.state, targets)
}

func stateIn(s State, targets []State) bool {
	for _, t := range targets {
		if s == t {
			return true
		}
	}
	return false
}

// AttachCgroup registers a leaf cgroup this container's task attaches
// to on exec, creating its backing directory and wiring its path into
// Env.Cgroups for the launcher's child-side attachCgroups step
// (spec.md §4.F step 5).
func (c *Container) AttachCgroup(controller string, leaf *cgroups.Cgroup) error {
	if err := leaf.Create(); err != nil {
		return err
	}
	c.mu.Lock()
	c.CgroupLeaves[controller] = leaf
	if c.Env.Cgroups == nil {
		c.Env.Cgroups = make(map[string]string)
	}
	c.Env.Cgroups[controller] = leaf.Path()
	c.mu.Unlock()
	return nil
}

// LinkVolume links v into this container at target (namespace-local
// path) / hostTarget (host-visible path under Env.RootPath), binding
// it onto the host side of the filesystem before the fork chain
// starts so the new mount namespace inherits the mount at unshare
// time, generalized from the teacher's mountVolumes (container.go)
// which performs the same bind from the parent before any fork.
func (c *Container) LinkVolume(ctx context.Context, v *volume.Volume, target, hostTarget string, readOnly, required bool) error {
	link, err := c.VolMgr.LinkVolume(ctx, v, c.ID, target, hostTarget, readOnly, required, func() error {
		flags := uintptr(unix.MS_BIND | unix.MS_REC)
		if err := unix.Mount(v.HostPath, hostTarget, "bind", flags, ""); err != nil {
			return errs.Wrap(errs.Unknown, "Container.LinkVolume.bind", err, v.HostPath, hostTarget)
		}
		if readOnly {
			if err := unix.Mount(v.HostPath, hostTarget, "bind", flags|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return errs.Wrap(errs.Unknown, "Container.LinkVolume.remountRO", err, hostTarget)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.Links = append(c.Links, link)
	c.mu.Unlock()
	return nil
}

// addCleanup registers a named teardown step run by Destroy.
func (c *Container) addCleanup(name string, fn func() error) {
	c.mu.Lock()
	c.cleanups = append(c.cleanups, CleanupFunc{Name: name, Fn: fn})
	c.mu.Unlock()
}

// Start transitions STOPPED -> STARTING -> RUNNING: it runs the
// launcher's fork chain and, on success, spawns a goroutine that
// observes the eventual exit and lands the container in DEAD or
// STOPPED per whether a Stop was in flight, spec.md §5's "task exit
// observed via SIGCHLD/pidfd" generalized to os/exec's own SIGCHLD
// reaping.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return errs.InvalidValuef("Container.Start", c.state.String())
	}
	c.state = StateStarting
	c.mu.Unlock()
	c.cond.Broadcast()

	proc, err := c.launcher.Start(c.Env, c.setupHostNetwork)
	if err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.ExitStatus = ExitStatus{Error: err}
		c.mu.Unlock()
		c.cond.Broadcast()
		return err
	}

	c.mu.Lock()
	c.proc = proc
	c.state = StateRunning
	c.mu.Unlock()
	c.cond.Broadcast()

	go c.reap()
	return nil
}

// setupHostNetwork is the Launcher.Start onNetReady hook: once pid's
// master has definitely unshared its own netns, it creates this
// container's veth/macvlan/ipvlan links and moves the container-bound
// end into pid's namespace, then installs bandwidth shaping on the
// host-facing link, spec.md §4.D. A nil NetConfig (host or inherited
// networking) makes this a no-op.
func (c *Container) setupHostNetwork(pid int) error {
	if c.NetConfig == nil {
		return nil
	}
	engine := netlinkmgr.NewEngine()
	if err := engine.SetupHost(*c.NetConfig, pid, c.Shaping); err != nil {
		return err
	}
	if c.Shaping != nil {
		shaping := *c.Shaping
		c.addCleanup("netlinkmgr.shaping", func() error {
			return engine.TeardownShaping(shaping)
		})
	}
	return nil
}

// reap blocks on the master child's exit and assigns the terminal
// state: STOPPED if a Stop drove this exit, DEAD if the process
// exited on its own, spec.md §5's DEAD/STOPPED fork after STOPPING.
func (c *Container) reap() {
	waitErr := c.proc.Wait()
	_ = c.proc.ClosePTY()

	status := 0
	if exitErr, ok := waitErr.(interface{ ExitCode() int }); ok {
		status = exitErr.ExitCode()
	}

	c.mu.Lock()
	c.ExitStatus = ExitStatus{Status: status}
	wasStopping := c.state == StateStopping
	if wasStopping {
		c.state = StateStopped
	} else {
		c.state = StateDead
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Stop requests a graceful shutdown: SIGTERM, then SIGKILL if the
// task hasn't exited within timeout. A no-op outside RUNNING.
func (c *Container) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	proc := c.proc
	c.mu.Unlock()
	c.cond.Broadcast()

	if err := proc.Signal(unix.SIGTERM); err != nil {
		_ = proc.Kill()
		return nil
	}
	if c.waitForAny(timeout, StateStopped, StateDead) {
		return nil
	}
	_ = proc.Kill()
	return nil
}

// Kill delivers sig directly to the running task without changing the
// recorded state; the eventual exit still drives reap's own
// transition.
func (c *Container) Kill(sig unix.Signal) error {
	c.mu.RLock()
	proc := c.proc
	running := c.state == StateRunning || c.state == StateStopping
	c.mu.RUnlock()
	if !running || proc == nil {
		return errs.InvalidValuef("Container.Kill", c.GetState().String())
	}
	return proc.Signal(sig)
}
