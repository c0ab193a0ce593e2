package backends

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"containerforge/internal/volume"
)

func TestDirBackendConfigureDefaultsSourceToHostPath(t *testing.T) {
	b := &DirBackend{}
	v := &volume.Volume{HostPath: "/vol/a"}
	if err := b.Configure(context.Background(), v, volume.Spec{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if b.SourcePath != v.HostPath {
		t.Fatalf("SourcePath = %q, want %q", b.SourcePath, v.HostPath)
	}
}

func TestDirBackendConfigureUsesExplicitSource(t *testing.T) {
	b := &DirBackend{}
	v := &volume.Volume{HostPath: "/vol/a"}
	err := b.Configure(context.Background(), v, volume.Spec{BackendOptions: map[string]string{"source": "/other"}})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if b.SourcePath != "/other" {
		t.Fatalf("SourcePath = %q, want /other", b.SourcePath)
	}
}

func TestDirBackendBuildSelfBindIsNoopMount(t *testing.T) {
	dir := t.TempDir()
	host := filepath.Join(dir, "vol")
	b := &DirBackend{SourcePath: host}
	v := &volume.Volume{HostPath: host}
	if err := b.Build(context.Background(), v); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Stat(host); err != nil {
		t.Fatalf("expected host path to exist: %v", err)
	}
}

func TestDirBackendResizeIsInvalid(t *testing.T) {
	b := &DirBackend{}
	if err := b.Resize(context.Background(), &volume.Volume{}, 1, 1); err == nil {
		t.Fatal("expected error, dir backend has no enforced limit")
	}
}

func TestDirBackendStatFSOnTempDir(t *testing.T) {
	dir := t.TempDir()
	b := &DirBackend{}
	st, err := b.StatFS(context.Background(), &volume.Volume{HostPath: dir})
	if err != nil {
		t.Fatalf("StatFS: %v", err)
	}
	if st.SpaceAvailable == 0 {
		t.Fatal("expected nonzero space available on a real filesystem")
	}
}
