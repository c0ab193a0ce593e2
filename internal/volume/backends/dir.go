// Package backends implements the concrete storage backends the
// volume manager drives through internal/volume.Backend: dir, plain,
// loop, overlay, tmpfs/hugetmpfs, rbd, lvm, quota. Grounded on the
// teacher's OverlayFSDriver/DeviceMapperDriver in storage_drivers.go
// for the mount/unmount/stat shape, generalized from container image
// layers to general-purpose volumes.
package backends

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
	"containerforge/internal/volume"
)

// DirBackend bind-mounts an existing directory as the volume's host
// path. Limits are not enforced here; a quota backend layered on top
// handles that per spec.md §4.E.
type DirBackend struct {
	SourcePath string
}

func (b *DirBackend) Configure(_ context.Context, v *volume.Volume, spec volume.Spec) error {
	b.SourcePath = spec.BackendOptions["source"]
	if b.SourcePath == "" {
		b.SourcePath = v.HostPath
	}
	return nil
}

func (b *DirBackend) Build(_ context.Context, v *volume.Volume) error {
	if err := os.MkdirAll(v.HostPath, 0o755); err != nil {
		return errs.Wrap(errs.Unknown, "DirBackend.Build", err, v.HostPath)
	}
	if b.SourcePath == v.HostPath {
		return nil
	}
	if err := unix.Mount(b.SourcePath, v.HostPath, "", unix.MS_BIND, ""); err != nil {
		return errs.Wrap(errs.Unknown, "DirBackend.Build", err, b.SourcePath, v.HostPath)
	}
	return nil
}

func (b *DirBackend) Delete(_ context.Context, v *volume.Volume) error {
	if b.SourcePath != v.HostPath {
		if err := unix.Unmount(v.HostPath, 0); err != nil && err != unix.EINVAL {
			return errs.Wrap(errs.Unknown, "DirBackend.Delete", err, v.HostPath)
		}
	}
	return nil
}

func (b *DirBackend) StatFS(_ context.Context, v *volume.Volume) (volume.StatFS, error) {
	return statfs(v.HostPath)
}

func (b *DirBackend) Resize(context.Context, *volume.Volume, uint64, uint64) error {
	return errs.InvalidValuef("DirBackend.Resize", "dir backend has no enforced limit")
}

func (b *DirBackend) ClaimPlace(context.Context, *volume.Volume, *volume.Place) error {
	return nil
}

func statfs(path string) (volume.StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return volume.StatFS{}, errs.Wrap(errs.Unknown, "statfs", err, path)
	}
	blockSize := uint64(st.Bsize)
	return volume.StatFS{
		SpaceUsed:      (st.Blocks - st.Bfree) * blockSize,
		SpaceAvailable: st.Bavail * blockSize,
		InodeUsed:      st.Files - st.Ffree,
		InodeAvailable: st.Ffree,
	}, nil
}
