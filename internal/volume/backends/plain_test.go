package backends

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"containerforge/internal/volume"
)

func TestPlainBackendBuildCreatesAndChownsToCurrentUser(t *testing.T) {
	dir := t.TempDir()
	host := filepath.Join(dir, "vol")
	b := &PlainBackend{}
	v := &volume.Volume{
		HostPath: host,
		Owner:    volume.Credential{UID: uint32(syscall.Getuid()), GID: uint32(syscall.Getegid())},
	}
	if err := b.Build(context.Background(), v); err != nil {
		t.Fatalf("Build: %v", err)
	}
	info, err := os.Stat(host)
	if err != nil {
		t.Fatalf("expected host path to exist: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected host path to be a directory")
	}
}

func TestPlainBackendDeleteRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	host := filepath.Join(dir, "vol")
	if err := os.MkdirAll(host, 0o755); err != nil {
		t.Fatalf("setup MkdirAll: %v", err)
	}
	b := &PlainBackend{}
	if err := b.Delete(context.Background(), &volume.Volume{HostPath: host}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(host); !os.IsNotExist(err) {
		t.Fatalf("expected host path to be removed, stat err = %v", err)
	}
}

func TestPlainBackendResizeIsInvalid(t *testing.T) {
	b := &PlainBackend{}
	if err := b.Resize(context.Background(), &volume.Volume{}, 1, 1); err == nil {
		t.Fatal("expected error, plain backend has no enforced limit")
	}
}
