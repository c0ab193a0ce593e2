package backends

import (
	"context"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
	"containerforge/internal/volume"
)

// RBDBackend maps a Ceph RBD image and mounts it, delegating to the
// `rbd` CLI per spec.md §4.E's "(f) rbd, lvm, quota — delegate to
// external utilities." Grounded on the teacher's losetup/dmsetup
// subprocess pattern in storage_drivers.go, substituting the rbd tool.
type RBDBackend struct {
	Pool   string
	Image  string
	Device string
}

func (b *RBDBackend) Configure(_ context.Context, _ *volume.Volume, spec volume.Spec) error {
	b.Pool = spec.BackendOptions["pool"]
	b.Image = spec.BackendOptions["image"]
	if b.Pool == "" || b.Image == "" {
		return errs.InvalidValuef("RBDBackend.Configure", "pool and image are required")
	}
	return nil
}

func (b *RBDBackend) Build(ctx context.Context, v *volume.Volume) error {
	if err := runExternal(ctx, "rbd", "map", b.Pool+"/"+b.Image); err != nil {
		return err
	}
	dev, err := rbdShowMapped(ctx, b.Pool, b.Image)
	if err != nil {
		return err
	}
	b.Device = dev
	v.BackendState["rbd_device"] = dev

	if err := os.MkdirAll(v.HostPath, 0o755); err != nil {
		return errs.Wrap(errs.Unknown, "RBDBackend.Build", err, v.HostPath)
	}
	if err := unix.Mount(dev, v.HostPath, "ext4", 0, ""); err != nil {
		return errs.Wrap(errs.Unknown, "RBDBackend.Build", err, dev, v.HostPath)
	}
	return nil
}

func (b *RBDBackend) Delete(ctx context.Context, v *volume.Volume) error {
	if err := unix.Unmount(v.HostPath, 0); err != nil && err != unix.EINVAL {
		return errs.Wrap(errs.Unknown, "RBDBackend.Delete", err, v.HostPath)
	}
	dev := v.BackendState["rbd_device"]
	if dev == "" {
		dev = b.Device
	}
	if dev != "" {
		return runExternal(ctx, "rbd", "unmap", dev)
	}
	return nil
}

func (b *RBDBackend) StatFS(_ context.Context, v *volume.Volume) (volume.StatFS, error) {
	return statfs(v.HostPath)
}

func (b *RBDBackend) Resize(ctx context.Context, _ *volume.Volume, spaceLimit, _ uint64) error {
	return runExternal(ctx, "rbd", "resize", "--size", bytesToMB(spaceLimit), b.Pool+"/"+b.Image)
}

func (b *RBDBackend) ClaimPlace(context.Context, *volume.Volume, *volume.Place) error {
	return nil
}

func rbdShowMapped(ctx context.Context, pool, image string) (string, error) {
	// In practice this parses `rbd showmapped` output for the
	// pool/image pair; kept as a direct device path lookup here since
	// the exact CLI output format is environment-dependent.
	return "/dev/rbd/" + pool + "/" + image, nil
}

func bytesToMB(n uint64) string {
	mb := n / (1 << 20)
	if mb == 0 {
		mb = 1
	}
	return strconv.FormatUint(mb, 10) + "M"
}
