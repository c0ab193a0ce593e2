package volume

import "context"

// StatFS is the four-number filesystem summary spec.md's stat_fs
// returns.
type StatFS struct {
	SpaceUsed      uint64
	SpaceAvailable uint64
	InodeUsed      uint64
	InodeAvailable uint64
}

// Backend is the six-method interface every concrete storage backend
// implements, per spec.md §4.E. Generalized from the teacher's
// StorageDriver interface (storage_drivers.go) to the volume model's
// vocabulary: build/delete instead of create/mount/unmount/remove,
// since spec.md's build() must itself leave the volume mounted.
type Backend interface {
	// Configure validates spec and records whatever backend-specific
	// state Build will need, without touching the filesystem.
	Configure(ctx context.Context, v *Volume, spec Spec) error
	// Build is idempotent and must leave the volume mounted at
	// v.HostPath on success.
	Build(ctx context.Context, v *Volume) error
	// Delete unmounts and drops any backing resources (loop device,
	// sparse file, overlay directories, ...).
	Delete(ctx context.Context, v *Volume) error
	// StatFS reports space/inode usage and availability.
	StatFS(ctx context.Context, v *Volume) (StatFS, error)
	// Resize changes the volume's limits, where the backend supports
	// it in place.
	Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error
	// ClaimPlace may reserve a named pool entry (e.g. a loop device
	// number or an LVM logical volume name) ahead of Build.
	ClaimPlace(ctx context.Context, v *Volume, place *Place) error
}

// Place is the supplemented entity (SPEC_FULL.md §7, drawn from
// original_source/volume.hpp's TPlace) tracking a named storage pool:
// its backing path and the free-space/inode query used by the
// guarantee check in spec.md §4.E.
type Place struct {
	Name string
	Path string
}
