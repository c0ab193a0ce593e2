package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
	"containerforge/internal/volume"
)

// OverlayBackend stacks v.Layers bottom→top with a writable upper and
// work dir under the place, per spec.md §4.E's "(d) overlay — stack
// Layers bottom→top with a writable upper and work dir under the
// place." Grounded on the teacher's OverlayFSDriver.Mount
// (storage_drivers.go): lowerdir/upperdir/workdir option string,
// unix.Mount("overlay", ...).
type OverlayBackend struct {
	UpperDir string
	WorkDir  string
}

func (b *OverlayBackend) Configure(_ context.Context, v *volume.Volume, spec volume.Spec) error {
	base := spec.Place
	if base == "" {
		base = filepath.Dir(v.HostPath)
	}
	name := filepath.Base(v.HostPath)
	b.UpperDir = filepath.Join(base, name+".upper")
	b.WorkDir = filepath.Join(base, name+".work")
	return nil
}

func (b *OverlayBackend) Build(_ context.Context, v *volume.Volume) error {
	for _, dir := range []string{b.UpperDir, b.WorkDir, v.HostPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.Wrap(errs.Unknown, "OverlayBackend.Build", err, dir)
		}
	}
	if len(v.Layers) == 0 {
		return errs.InvalidValuef("OverlayBackend.Build", "no lower layers configured")
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(reverseLayers(v.Layers), ":"), b.UpperDir, b.WorkDir)
	if err := unix.Mount("overlay", v.HostPath, "overlay", 0, opts); err != nil {
		return errs.Wrap(errs.Unknown, "OverlayBackend.Build", err, v.HostPath, opts)
	}
	return nil
}

// reverseLayers returns v.Layers reversed: they are stored bottom→top
// per spec.md §4.E, but overlayfs's lowerdir= option reads its colon-
// separated list left-to-right as top→bottom, so the most-visible
// layer must come first on the wire.
func reverseLayers(layers []string) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[len(layers)-1-i] = l
	}
	return out
}

func (b *OverlayBackend) Delete(_ context.Context, v *volume.Volume) error {
	if err := unix.Unmount(v.HostPath, 0); err != nil && err != unix.EINVAL {
		return errs.Wrap(errs.Unknown, "OverlayBackend.Delete", err, v.HostPath)
	}
	os.RemoveAll(b.UpperDir)
	os.RemoveAll(b.WorkDir)
	return nil
}

func (b *OverlayBackend) StatFS(_ context.Context, v *volume.Volume) (volume.StatFS, error) {
	return statfs(v.HostPath)
}

func (b *OverlayBackend) Resize(context.Context, *volume.Volume, uint64, uint64) error {
	return errs.InvalidValuef("OverlayBackend.Resize", "overlay backend has no enforced limit")
}

func (b *OverlayBackend) ClaimPlace(context.Context, *volume.Volume, *volume.Place) error {
	return nil
}
