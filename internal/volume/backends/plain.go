package backends

import (
	"context"
	"os"

	"containerforge/internal/errs"
	"containerforge/internal/volume"
)

// PlainBackend chown+chmods an existing directory, per spec.md §4.E's
// "(b) plain — chown+chmod a directory". No mount is performed.
type PlainBackend struct{}

func (b *PlainBackend) Configure(context.Context, *volume.Volume, volume.Spec) error { return nil }

func (b *PlainBackend) Build(_ context.Context, v *volume.Volume) error {
	if err := os.MkdirAll(v.HostPath, 0o755); err != nil {
		return errs.Wrap(errs.Unknown, "PlainBackend.Build", err, v.HostPath)
	}
	if err := os.Chown(v.HostPath, int(v.Owner.UID), int(v.Owner.GID)); err != nil {
		return errs.Wrap(errs.Unknown, "PlainBackend.Build", err, v.HostPath)
	}
	if err := os.Chmod(v.HostPath, 0o755); err != nil {
		return errs.Wrap(errs.Unknown, "PlainBackend.Build", err, v.HostPath)
	}
	return nil
}

func (b *PlainBackend) Delete(_ context.Context, v *volume.Volume) error {
	if err := os.RemoveAll(v.HostPath); err != nil {
		return errs.Wrap(errs.Unknown, "PlainBackend.Delete", err, v.HostPath)
	}
	return nil
}

func (b *PlainBackend) StatFS(_ context.Context, v *volume.Volume) (volume.StatFS, error) {
	return statfs(v.HostPath)
}

func (b *PlainBackend) Resize(context.Context, *volume.Volume, uint64, uint64) error {
	return errs.InvalidValuef("PlainBackend.Resize", "plain backend has no enforced limit")
}

func (b *PlainBackend) ClaimPlace(context.Context, *volume.Volume, *volume.Place) error {
	return nil
}
