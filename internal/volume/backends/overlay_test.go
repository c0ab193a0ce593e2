package backends

import (
	"context"
	"path/filepath"
	"testing"

	"containerforge/internal/volume"
)

func TestReverseLayersFlipsBottomToTopIntoTopToBottom(t *testing.T) {
	got := reverseLayers([]string{"base", "middle", "top"})
	want := []string{"top", "middle", "base"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reverseLayers = %v, want %v", got, want)
		}
	}
}

func TestReverseLayersEmpty(t *testing.T) {
	if got := reverseLayers(nil); len(got) != 0 {
		t.Fatalf("reverseLayers(nil) = %v, want empty", got)
	}
}

func TestOverlayBackendConfigureDerivesUpperAndWorkDirs(t *testing.T) {
	b := &OverlayBackend{}
	v := &volume.Volume{HostPath: "/vol/myvol"}
	if err := b.Configure(context.Background(), v, volume.Spec{Place: "/places/a"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if want := filepath.Join("/places/a", "myvol.upper"); b.UpperDir != want {
		t.Fatalf("UpperDir = %q, want %q", b.UpperDir, want)
	}
	if want := filepath.Join("/places/a", "myvol.work"); b.WorkDir != want {
		t.Fatalf("WorkDir = %q, want %q", b.WorkDir, want)
	}
}

func TestOverlayBackendBuildRejectsNoLayers(t *testing.T) {
	dir := t.TempDir()
	b := &OverlayBackend{UpperDir: filepath.Join(dir, "upper"), WorkDir: filepath.Join(dir, "work")}
	v := &volume.Volume{HostPath: filepath.Join(dir, "merged")}
	if err := b.Build(context.Background(), v); err == nil {
		t.Fatal("expected an error when no lower layers are configured")
	}
}
