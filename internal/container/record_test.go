package container

import (
	"testing"
	"time"

	"containerforge/internal/launcher"
	"containerforge/internal/volume"
)

func TestRecordRoundTrip(t *testing.T) {
	env := &launcher.TaskEnv{Argv: []string{"/bin/sh", "-c", "echo hi"}, RootPath: "/var/lib/containerforge/c1/root"}
	c := New("c1", env, volume.NewManager(nil))
	c.setState(StateRunning)
	c.ExitStatus = ExitStatus{Status: 7}

	rec := toRecord(c)
	id, state, _, argv, rootPath := fromRecord(rec)

	if id != "c1" {
		t.Fatalf("id = %q, want c1", id)
	}
	if state != StateRunning {
		t.Fatalf("state = %v, want running", state)
	}
	if len(argv) != 3 || argv[0] != "/bin/sh" || argv[2] != "echo hi" {
		t.Fatalf("argv round-trip = %v", argv)
	}
	if rootPath != env.RootPath {
		t.Fatalf("root_path = %q, want %q", rootPath, env.RootPath)
	}
}

func TestStateFromStringUnknownFallsBackToStopped(t *testing.T) {
	if got := stateFromString("whatever"); got != StateStopped {
		t.Fatalf("stateFromString(unknown) = %v, want stopped", got)
	}
}

func TestRecordPreservesCreatedAt(t *testing.T) {
	c := New("c1", &launcher.TaskEnv{}, volume.NewManager(nil))
	rec := toRecord(c)
	_, _, createdAt, _, _ := fromRecord(rec)
	if createdAt.Sub(c.CreatedAt) > time.Second {
		t.Fatalf("created_at round-trip off by too much: got %v, want ~%v", createdAt, c.CreatedAt)
	}
}
