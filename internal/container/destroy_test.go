package container

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"containerforge/internal/launcher"
	"containerforge/internal/volume"
)

func TestRunCleanupsRunsEveryFunc(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	var calls int32
	c.addCleanup("a", func() error { atomic.AddInt32(&calls, 1); return nil })
	c.addCleanup("b", func() error { atomic.AddInt32(&calls, 1); return nil })
	c.addCleanup("c", func() error { atomic.AddInt32(&calls, 1); return nil })

	if err := c.runCleanups(context.Background()); err != nil {
		t.Fatalf("runCleanups returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRunCleanupsCollectsFailures(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	c.addCleanup("ok", func() error { return nil })
	c.addCleanup("fails", func() error { return errors.New("boom") })

	err := c.runCleanups(context.Background())
	if err == nil {
		t.Fatal("expected an error from the failing cleanup")
	}
}

func TestRunCleanupsRecoversPanics(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	c.addCleanup("panics", func() error { panic("nope") })

	err := c.runCleanups(context.Background())
	if err == nil {
		t.Fatal("expected a panic to surface as an error")
	}
}

func TestRunCleanupsNoopWhenEmpty(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	if err := c.runCleanups(context.Background()); err != nil {
		t.Fatalf("runCleanups with no registered cleanups returned error: %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	var calls int32
	c.addCleanup("a", func() error { atomic.AddInt32(&calls, 1); return nil })

	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("cleanup ran %d times, want exactly 1 (sync.Once)", got)
	}
}
