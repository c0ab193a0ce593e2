package container

import (
	"testing"
	"time"

	"containerforge/internal/launcher"
	"containerforge/internal/volume"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateDead:     "dead",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestNewInitialState(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	if got := c.GetState(); got != StateStopped {
		t.Fatalf("new container state = %v, want stopped", got)
	}
}

func TestWaitForAnyReturnsImmediatelyWhenAlreadyThere(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	if !c.waitForAny(10*time.Millisecond, StateStopped) {
		t.Fatal("expected immediate match on current state")
	}
}

func TestWaitForAnyTimesOut(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	if c.waitForAny(10*time.Millisecond, StateRunning) {
		t.Fatal("expected timeout, state never reached")
	}
}

func TestWaitForAnyWakesOnBroadcast(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	done := make(chan bool, 1)
	go func() {
		done <- c.waitForAny(time.Second, StateRunning)
	}()
	time.Sleep(10 * time.Millisecond)
	c.setState(StateRunning)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected waitForAny to report success")
		}
	case <-time.After(time.Second):
		t.Fatal("waitForAny did not wake on broadcast")
	}
}

func TestStateIn(t *testing.T) {
	if !stateIn(StateRunning, []State{StateStopped, StateRunning}) {
		t.Fatal("expected StateRunning to be found")
	}
	if stateIn(StateDead, []State{StateStopped, StateRunning}) {
		t.Fatal("did not expect StateDead to be found")
	}
}

func TestStopIsNoopWhenNotRunning(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	if err := c.Stop(10 * time.Millisecond); err != nil {
		t.Fatalf("Stop on a stopped container returned error: %v", err)
	}
	if got := c.GetState(); got != StateStopped {
		t.Fatalf("state changed to %v, want unchanged stopped", got)
	}
}

func TestKillRejectsNonRunningContainer(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	if err := c.Kill(0); err == nil {
		t.Fatal("expected Kill on a stopped container to fail")
	}
}

func TestRemoveRejectsNonTerminalState(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	c.setState(StateRunning)
	if err := c.Remove(nil); err == nil {
		t.Fatal("expected Remove on a running container to fail")
	}
}
