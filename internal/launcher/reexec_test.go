package launcher

import (
	"encoding/gob"
	"os"
	"testing"
	"time"
)

func TestWireTaskEnvRoundTrip(t *testing.T) {
	env := &TaskEnv{
		Argv:    []string{"/bin/sh", "-c", "echo hi"},
		Env:     []string{"PATH=/usr/bin"},
		WorkDir: "/work",
		RootPath: "/var/lib/containerforge/roots/abc",
		DNSBind:  true,
		DNSServers: []string{"1.1.1.1"},
		BindMounts: []BindMount{{Source: "/src", Target: "/dst", ReadOnly: true}},
		Hostname:   "box",
		Cgroups:    map[string]string{"memory": "/sys/fs/cgroup/memory/abc"},
		Creds:      Credential{UID: 1000, GID: 1000, Groups: []uint32{27}},
		Rlimits:    map[string]TaskEnvRlimit{"RLIMIT_NOFILE": {Soft: 1024, Hard: 4096}},
		Network:    NetSetup{HostConfigured: true, TargetIface: "eth0"},
		StageTimeout: 45 * time.Second,
		TriStage:     StageCountTriple,
	}

	r, w := pipeForTest(t)
	go func() {
		_ = gob.NewEncoder(w).Encode(fromTaskEnv(env))
		w.Close()
	}()

	var wire wireTaskEnv
	if err := gob.NewDecoder(r).Decode(&wire); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := wire.toTaskEnv(nil)
	if got.Hostname != env.Hostname || got.RootPath != env.RootPath {
		t.Fatalf("got %+v, want hostname/rootpath to match %+v", got, env)
	}
	if len(got.Argv) != 3 || got.Argv[2] != "echo hi" {
		t.Fatalf("argv not round-tripped: %+v", got.Argv)
	}
	if got.Creds.GID != 1000 || len(got.Creds.Groups) != 1 || got.Creds.Groups[0] != 27 {
		t.Fatalf("creds not round-tripped: %+v", got.Creds)
	}
	if got.Rlimits["RLIMIT_NOFILE"].Hard != 4096 {
		t.Fatalf("rlimits not round-tripped: %+v", got.Rlimits)
	}
	if got.StageTimeout != 45*time.Second {
		t.Fatalf("stage timeout not round-tripped: %v", got.StageTimeout)
	}
	if got.TriStage != StageCountTriple {
		t.Fatalf("tristage not round-tripped: %v", got.TriStage)
	}
}

func TestNextStageDefaultsToReparent2Beyond(t *testing.T) {
	if got := nextStage(StageReparent2, &TaskEnv{}); got != StageReparent2 {
		t.Fatalf("got %v, want reparent2 (terminal)", got)
	}
}

func pipeForTest(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return r, w
}
