// Package volume implements the volume manager component: the
// process-wide Volume/Link maps, the build/link/unlink protocols, and
// per-place free-space and quota-guarantee accounting. Concrete
// storage backends live in internal/volume/backends. Grounded on the
// teacher's StorageDriver interface and StorageManager registry in
// storage_drivers.go, generalized from container-layer storage to
// spec.md's general-purpose volume model.
package volume

import (
	"sync"
	"time"
)

// State is one of a Volume's lifecycle states, spec.md §3.
type State string

const (
	StateInitial    State = "INITIAL"
	StateBuilding   State = "BUILDING"
	StateReady      State = "READY"
	StateTuning     State = "TUNING"
	StateUnlinked   State = "UNLINKED"
	StateToDestroy  State = "TO-DESTROY"
	StateDestroying State = "DESTROYING"
	StateDestroyed  State = "DESTROYED"
	StateError      State = "ERROR"
)

// Credential identifies the owning user/group of a volume or link.
type Credential struct {
	UID uint32
	GID uint32
}

// Spec is the caller-supplied description used to create a Volume.
type Spec struct {
	HostPath        string
	InternalPath    string
	Backend         string
	BackendOptions  map[string]string
	SpaceLimit      uint64
	InodeLimit      uint64
	SpaceGuarantee  uint64
	InodeGuarantee  uint64
	Layers          []string
	Owner           Credential
	CreatorID       string
	Labels          map[string]string
	KeepStorage     bool
	Place           string
}

// Volume is spec.md §3's Volume entity.
type Volume struct {
	mu sync.Mutex

	HostPath       string
	InternalPath   string
	Backend        string
	BackendState   map[string]string
	SpaceLimit     uint64
	InodeLimit     uint64
	SpaceGuarantee uint64
	InodeGuarantee uint64
	ClaimedSpace   uint64
	Layers         []string
	Owner          Credential
	CreatorID      string
	Labels         map[string]string
	State          State
	Links          []*Link
	KeepStorage    bool
	Place          string

	BuildTime  time.Time
	ChangeTime time.Time
}

// Link is spec.md §3's Volume link entity.
type Link struct {
	Volume         *Volume
	ContainerID    string
	TargetPath     string
	HostTargetPath string
	ReadOnly       bool
	Required       bool
	Busy           bool
}

// SetState transitions the volume to state, stamping ChangeTime. The
// caller is responsible for persisting the change to the KV store
// immediately afterward, per spec.md §4.E's "every transition is
// persisted to the KV store after the in-memory update."
func (v *Volume) SetState(state State, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.State = state
	v.ChangeTime = now
}

func (v *Volume) GetState() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.State
}

// HasLinks reports whether the volume currently has any links.
func (v *Volume) HasLinks() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Links) > 0
}
