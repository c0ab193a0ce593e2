package ocispec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func writeBundle(t *testing.T, spec *specs.Spec) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "rootfs"), 0755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
	return dir
}

func minimalSpec() *specs.Spec {
	return &specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Args: []string{"/bin/sh", "-c", "echo hi"},
			Cwd:  "/",
		},
		Root: &specs.Root{Path: "rootfs"},
	}
}

func TestLoadBundleReadsConfig(t *testing.T) {
	dir := writeBundle(t, minimalSpec())

	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if b.Spec.Version != "1.0.2" {
		t.Fatalf("version = %q", b.Spec.Version)
	}
}

func TestLoadBundleRejectsMissingProcessArgs(t *testing.T) {
	spec := minimalSpec()
	spec.Process.Args = nil
	dir := writeBundle(t, spec)

	if _, err := LoadBundle(dir); err == nil {
		t.Fatal("expected an error for missing process.args")
	}
}

func TestLoadBundleRejectsMissingRoot(t *testing.T) {
	spec := minimalSpec()
	spec.Root = &specs.Root{Path: "does-not-exist"}
	dir := writeBundle(t, spec)

	if _, err := LoadBundle(dir); err == nil {
		t.Fatal("expected an error for a root path that doesn't exist")
	}
}

func TestToTaskEnvConvertsProcessAndRoot(t *testing.T) {
	spec := minimalSpec()
	spec.Process.Terminal = true
	spec.Process.User = specs.User{UID: 1000, GID: 1000, AdditionalGids: []uint32{27}}
	dir := writeBundle(t, spec)

	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	env, _, err := ToTaskEnv(b)
	if err != nil {
		t.Fatalf("ToTaskEnv: %v", err)
	}

	if len(env.Argv) != 3 || env.Argv[0] != "/bin/sh" {
		t.Fatalf("argv = %v", env.Argv)
	}
	if !env.TTY {
		t.Fatal("expected TTY to be true")
	}
	if env.RootPath != filepath.Join(dir, "rootfs") {
		t.Fatalf("root path = %q", env.RootPath)
	}
	if env.Creds.UID != 1000 || env.Creds.GID != 1000 {
		t.Fatalf("creds = %+v", env.Creds)
	}
	if len(env.Creds.Groups) != 1 || env.Creds.Groups[0] != 27 {
		t.Fatalf("groups = %v", env.Creds.Groups)
	}
}

func TestToTaskEnvAppliesCapabilities(t *testing.T) {
	spec := minimalSpec()
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Effective: []string{"CAP_NET_ADMIN", "CAP_SYS_CHROOT"},
	}
	dir := writeBundle(t, spec)
	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	env, _, err := ToTaskEnv(b)
	if err != nil {
		t.Fatalf("ToTaskEnv: %v", err)
	}
	if env.Caps.Effective == 0 {
		t.Fatal("expected a non-zero effective capability mask")
	}
}

func TestToTaskEnvConvertsNamespaces(t *testing.T) {
	spec := minimalSpec()
	spec.Linux = &specs.Linux{
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.MountNamespace},
			{Type: specs.NetworkNamespace, Path: "/proc/123/ns/net"},
		},
	}
	dir := writeBundle(t, spec)
	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	env, _, err := ToTaskEnv(b)
	if err != nil {
		t.Fatalf("ToTaskEnv: %v", err)
	}
	if !env.Unshare.Mount {
		t.Fatal("expected a new mount namespace to be unshared")
	}
	if env.ParentNs.Net != "/proc/123/ns/net" {
		t.Fatalf("net ns path = %q", env.ParentNs.Net)
	}
	if env.Unshare.Net {
		t.Fatal("joining an existing net namespace should not also unshare one")
	}
}

func TestToTaskEnvConvertsMounts(t *testing.T) {
	spec := minimalSpec()
	spec.Mounts = []specs.Mount{
		{Destination: "/data", Source: "/host/data", Type: "bind", Options: []string{"rbind", "ro"}},
	}
	dir := writeBundle(t, spec)
	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	env, _, err := ToTaskEnv(b)
	if err != nil {
		t.Fatalf("ToTaskEnv: %v", err)
	}
	if len(env.BindMounts) != 1 {
		t.Fatalf("bind mounts = %v", env.BindMounts)
	}
	if env.BindMounts[0].Target != "/data" || !env.BindMounts[0].ReadOnly {
		t.Fatalf("bind mount = %+v", env.BindMounts[0])
	}
}

func TestToTaskEnvCollectsHooks(t *testing.T) {
	spec := minimalSpec()
	spec.Hooks = &specs.Hooks{
		Prestart:  []specs.Hook{{Path: "/usr/bin/setup-net"}},
		Poststop:  []specs.Hook{{Path: "/usr/bin/teardown-net"}},
	}
	dir := writeBundle(t, spec)
	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	_, hooks, err := ToTaskEnv(b)
	if err != nil {
		t.Fatalf("ToTaskEnv: %v", err)
	}
	if len(hooks) != 2 {
		t.Fatalf("hooks = %v", hooks)
	}
}

func TestCgroupLimitsFromSpec(t *testing.T) {
	limit := int64(512 * 1024 * 1024)
	shares := uint64(512)
	spec := minimalSpec()
	spec.Linux = &specs.Linux{
		Resources: &specs.LinuxResources{
			Memory: &specs.LinuxMemory{Limit: &limit},
			CPU:    &specs.LinuxCPU{Shares: &shares},
		},
	}

	limits := CgroupLimitsFromSpec(spec)
	if limits.MemoryLimitBytes != limit {
		t.Fatalf("memory limit = %d, want %d", limits.MemoryLimitBytes, limit)
	}
	if limits.CPUShares != shares {
		t.Fatalf("cpu shares = %d, want %d", limits.CPUShares, shares)
	}
}

func TestSaveLoadCleanupState(t *testing.T) {
	id := "ocispec-test-container"
	defer CleanupState(id)

	if err := SaveState(id, "1.0.2", "/bundles/c1", StatusRunning, 4242, nil); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	state, err := LoadState(id)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.Status != StatusRunning || state.Pid != 4242 {
		t.Fatalf("state = %+v", state)
	}

	if err := CleanupState(id); err != nil {
		t.Fatalf("CleanupState: %v", err)
	}
	if _, err := LoadState(id); err == nil {
		t.Fatal("expected LoadState to fail after CleanupState")
	}
}
