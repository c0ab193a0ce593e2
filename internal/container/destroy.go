package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"containerforge/internal/cgroups"
	"containerforge/internal/errs"
	"containerforge/internal/launcher"
	"containerforge/internal/volume"
)

// cgroupKillTimeoutSeconds is passed to Cgroup.Remove as the number of
// rounds it spends SIGKILLing stragglers left in a leaf (each round
// followed by a 5ms pause) before giving up; it counts rounds, not
// seconds. Modelled on the teacher's cleanupCgroupResources (cleanup.go).
const cgroupKillTimeoutSeconds = 5

// cleanupTimeout bounds the whole registered-cleanup pass, the
// teacher's 30-second constant in cleanup() (cleanup.go).
const cleanupTimeout = 30 * time.Second

// DefaultStopTimeout is how long Destroy waits for a graceful Stop
// before forcing teardown to proceed anyway.
const DefaultStopTimeout = 10 * time.Second

// Destroy tears a container down from any state: it stops the task if
// still running, unlinks every volume link in reverse order, destroys
// any volume that unlinking leaves ownerless, removes this container's
// cgroup leaves, and runs every registered cleanup exactly once.
// Grounded on the teacher's cleanup (cleanup.go): a sync.Once guard
// around a parallel, timeout-bounded pass over CleanupFunc, fanned out
// here with goroutines racing a context.WithTimeout the same way.
func (c *Container) Destroy(ctx context.Context) error {
	if err := c.stopForDestroy(ctx); err != nil {
		return err
	}

	var runErr error
	c.once.Do(func() {
		runErr = c.destroyOnce(ctx)
	})
	return runErr
}

func (c *Container) stopForDestroy(ctx context.Context) error {
	state := c.GetState()
	if state == StateRunning || state == StateStarting {
		if state == StateStarting {
			c.waitForAny(launcher.DefaultStageTimeout, StateRunning, StateStopped, StateDead)
		}
		if c.GetState() == StateRunning {
			_ = c.Stop(DefaultStopTimeout)
		}
	}
	return nil
}

func (c *Container) destroyOnce(ctx context.Context) error {
	chain := errs.NewChain("Container.Destroy")

	if err := c.unlinkVolumes(ctx); err != nil {
		chain.Add(err)
	}
	if err := c.removeCgroups(); err != nil {
		chain.Add(err)
	}
	if err := c.runCleanups(ctx); err != nil {
		chain.Add(err)
	}

	if chain.HasErrors() {
		return chain.ToError()
	}
	return nil
}

// unlinkVolumes walks c.Links in reverse (LIFO, mirroring build-then-
// teardown order) and unlinks each one; any volume UnlinkVolume hands
// back as now-ownerless is destroyed outside the per-volume lock, per
// the manager's own LinkVolume/UnlinkVolume contract (manager.go).
func (c *Container) unlinkVolumes(ctx context.Context) error {
	c.mu.Lock()
	links := make([]*volume.Link, len(c.Links))
	copy(links, c.Links)
	c.mu.Unlock()

	chain := errs.NewChain("Container.unlinkVolumes")
	for i := len(links) - 1; i >= 0; i-- {
		unlinked, err := c.VolMgr.UnlinkVolume(ctx, links[i])
		if err != nil {
			chain.Add(err)
			continue
		}
		if unlinked != nil {
			if err := c.VolMgr.Destroy(ctx, unlinked); err != nil {
				chain.Add(err)
			}
		}
	}
	if chain.HasErrors() {
		return chain.ToError()
	}
	return nil
}

func (c *Container) removeCgroups() error {
	c.mu.Lock()
	type leafEntry struct {
		controller string
		leaf       *cgroups.Cgroup
	}
	leaves := make([]leafEntry, 0, len(c.CgroupLeaves))
	for controller, leaf := range c.CgroupLeaves {
		leaves = append(leaves, leafEntry{controller, leaf})
	}
	c.mu.Unlock()

	chain := errs.NewChain("Container.removeCgroups")
	for _, l := range leaves {
		if err := l.leaf.Remove(cgroupKillTimeoutSeconds); err != nil {
			chain.Add(fmt.Errorf("cgroup %s: %w", l.controller, err))
		}
	}
	if chain.HasErrors() {
		return chain.ToError()
	}
	return nil
}

// runCleanups runs every registered CleanupFunc concurrently, bounded
// by cleanupTimeout, collecting failures instead of stopping at the
// first one, matching the teacher's WaitGroup+buffered errorCh pattern
// in cleanup() (cleanup.go). A panicking cleanup is recovered and
// reported as a failure rather than taking the whole pass down.
func (c *Container) runCleanups(ctx context.Context) error {
	c.mu.Lock()
	fns := make([]CleanupFunc, len(c.cleanups))
	copy(fns, c.cleanups)
	c.mu.Unlock()

	if len(fns) == 0 {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(fns))
	for _, cf := range fns {
		wg.Add(1)
		go func(cf CleanupFunc) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("cleanup %s panicked: %v", cf.Name, r)
				}
			}()
			if cf.Fn == nil {
				return
			}
			if err := cf.Fn(); err != nil {
				errCh <- fmt.Errorf("cleanup %s: %w", cf.Name, err)
			}
		}(cf)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-cleanupCtx.Done():
		slog.Default().Warn("container cleanup pass timed out", "id", c.ID)
	}

	// errCh is never closed: a cleanup still running past the timeout
	// would panic sending to a closed channel. It's buffered to
	// len(fns) so every goroutine's send completes without blocking
	// regardless of whether this function already returned.
	chain := errs.NewChain("Container.runCleanups")
drain:
	for {
		select {
		case err := <-errCh:
			chain.Add(err)
		default:
			break drain
		}
	}
	if chain.HasErrors() {
		return chain.ToError()
	}
	return nil
}

// Remove discards a terminal container's persisted record. It only
// succeeds from STOPPED or DEAD; a still-running or mid-teardown
// container must go through Destroy first, per spec.md §6.G.
func (c *Container) Remove(ctx context.Context) error {
	state := c.GetState()
	if state != StateStopped && state != StateDead {
		return errs.InvalidValuef("Container.Remove", state.String())
	}
	if c.registry != nil {
		return c.registry.forget(ctx, c.ID)
	}
	return nil
}
