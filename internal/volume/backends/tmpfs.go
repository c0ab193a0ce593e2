package backends

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
	"containerforge/internal/sysutil"
	"containerforge/internal/volume"
)

// TmpfsBackend mounts tmpfs (or hugetlbfs when Huge is set) with a
// size option, per spec.md §4.E's "(e) tmpfs/hugetmpfs — mount with
// size option."
type TmpfsBackend struct {
	Huge bool
}

func (b *TmpfsBackend) Configure(_ context.Context, _ *volume.Volume, spec volume.Spec) error {
	b.Huge = spec.BackendOptions["huge"] == "true"
	return nil
}

func (b *TmpfsBackend) Build(_ context.Context, v *volume.Volume) error {
	if err := os.MkdirAll(v.HostPath, 0o755); err != nil {
		return errs.Wrap(errs.Unknown, "TmpfsBackend.Build", err, v.HostPath)
	}
	fstype := "tmpfs"
	if b.Huge {
		fstype = "hugetlbfs"
	}
	opts := fmt.Sprintf("size=%d", v.SpaceLimit)
	if err := unix.Mount(fstype, v.HostPath, fstype, 0, opts); err != nil {
		return errs.Wrap(errs.Unknown, "TmpfsBackend.Build", err, v.HostPath, opts)
	}
	return nil
}

func (b *TmpfsBackend) Delete(_ context.Context, v *volume.Volume) error {
	if err := unix.Unmount(v.HostPath, 0); err != nil && err != unix.EINVAL {
		return errs.Wrap(errs.Unknown, "TmpfsBackend.Delete", err, v.HostPath)
	}
	return nil
}

func (b *TmpfsBackend) StatFS(_ context.Context, v *volume.Volume) (volume.StatFS, error) {
	return statfs(v.HostPath)
}

func (b *TmpfsBackend) Resize(_ context.Context, v *volume.Volume, spaceLimit, _ uint64) error {
	opts := fmt.Sprintf("size=%s", sysutil.FormatBytes(spaceLimit))
	if err := unix.Mount("", v.HostPath, "", unix.MS_REMOUNT, opts); err != nil {
		return errs.Wrap(errs.Unknown, "TmpfsBackend.Resize", err, v.HostPath, opts)
	}
	v.SpaceLimit = spaceLimit
	return nil
}

func (b *TmpfsBackend) ClaimPlace(context.Context, *volume.Volume, *volume.Place) error {
	return nil
}
