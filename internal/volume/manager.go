package volume

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"containerforge/internal/errs"
	"containerforge/internal/kvstore"
)

// Manager owns the process-wide Volumes map and backend registry, and
// implements the Create/Link/Unlink protocols of spec.md §4.E.
// Grounded on the teacher's StorageManager (storage_drivers.go):
// a name-keyed backend registry plus a single mutex-guarded map, here
// generalized to volumes instead of per-container storage layers.
type Manager struct {
	mu       sync.Mutex
	volumes  map[string]*Volume // keyed by HostPath
	places   map[string]*Place
	backends map[string]Backend
	kv       kvstore.Store

	churnMu   sync.Mutex
	churn     map[string]*rate.Limiter // keyed by Place name
	churnRate rate.Limit
	churnBurst int
}

func NewManager(kv kvstore.Store) *Manager {
	return &Manager{
		volumes:    make(map[string]*Volume),
		places:     make(map[string]*Place),
		backends:   make(map[string]Backend),
		kv:         kv,
		churn:      make(map[string]*rate.Limiter),
		churnRate:  rate.Inf,
		churnBurst: 0,
	}
}

// SetChurnLimit caps the rate of volume build/destroy operations
// accepted per place, guarding against a burst of container starts or
// stops hammering a single backing filesystem with concurrent
// mkfs/losetup/mount churn. Unset (the NewManager default) places are
// unthrottled.
func (m *Manager) SetChurnLimit(perSecond float64, burst int) {
	m.churnMu.Lock()
	defer m.churnMu.Unlock()
	m.churnRate = rate.Limit(perSecond)
	m.churnBurst = burst
	m.churn = make(map[string]*rate.Limiter)
}

func (m *Manager) churnLimiter(place string) *rate.Limiter {
	m.churnMu.Lock()
	defer m.churnMu.Unlock()
	lim, ok := m.churn[place]
	if !ok {
		lim = rate.NewLimiter(m.churnRate, m.churnBurst)
		m.churn[place] = lim
	}
	return lim
}

// waitChurn blocks until the place's churn limiter admits another
// build or destroy, a no-op when SetChurnLimit was never called since
// rate.Inf never delays.
func (m *Manager) waitChurn(ctx context.Context, place string) error {
	if err := m.churnLimiter(place).Wait(ctx); err != nil {
		return errs.Transientf("Manager.waitChurn", err, place)
	}
	return nil
}

// RegisterBackend installs backend under name, the way
// StorageManager.RegisterDriver does for the teacher's storage
// drivers.
func (m *Manager) RegisterBackend(name string, backend Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[name] = backend
}

// RegisterPlace installs a named storage pool for guarantee checks.
func (m *Manager) RegisterPlace(p *Place) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places[p.Name] = p
}

// Create validates spec, checks for path collisions, inserts a
// volume in state INITIAL, then drives it through
// BUILDING → READY (or ERROR + delete on failure), per spec.md §4.E's
// build protocol.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Volume, error) {
	backend, err := m.lookupBackend(spec.Backend)
	if err != nil {
		return nil, err
	}

	if err := m.checkGuarantee(spec); err != nil {
		return nil, err
	}

	v := &Volume{
		HostPath:       spec.HostPath,
		InternalPath:   spec.InternalPath,
		Backend:        spec.Backend,
		BackendState:   make(map[string]string),
		SpaceLimit:     spec.SpaceLimit,
		InodeLimit:     spec.InodeLimit,
		SpaceGuarantee: spec.SpaceGuarantee,
		InodeGuarantee: spec.InodeGuarantee,
		Layers:         spec.Layers,
		Owner:          spec.Owner,
		CreatorID:      spec.CreatorID,
		Labels:         spec.Labels,
		KeepStorage:    spec.KeepStorage,
		Place:          spec.Place,
		State:          StateInitial,
		BuildTime:      nowOrZero(ctx),
	}

	if err := m.register(v); err != nil {
		return nil, err
	}
	m.persist(ctx, v)

	if err := backend.Configure(ctx, v, spec); err != nil {
		v.SetState(StateError, nowOrZero(ctx))
		m.persist(ctx, v)
		return nil, err
	}

	v.SetState(StateBuilding, nowOrZero(ctx))
	m.persist(ctx, v)

	if err := m.waitChurn(ctx, spec.Place); err != nil {
		v.SetState(StateError, nowOrZero(ctx))
		m.persist(ctx, v)
		return nil, err
	}

	if err := backend.Build(ctx, v); err != nil {
		v.SetState(StateError, nowOrZero(ctx))
		m.persist(ctx, v)
		_ = backend.Delete(ctx, v)
		m.unregister(v)
		_ = m.kv.Delete(ctx, v.HostPath)
		return nil, err
	}

	v.SetState(StateReady, nowOrZero(ctx))
	m.persist(ctx, v)
	return v, nil
}

// register inserts v into the process-wide map after checking for a
// path collision: no two volumes may share a path, and no volume's
// path may be a subpath of another's, per spec.md §4.E.
func (m *Manager) register(v *Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for existingPath := range m.volumes {
		if pathsCollide(existingPath, v.HostPath) {
			return errs.Existsf("Manager.Create", nil, v.HostPath, existingPath)
		}
	}
	m.volumes[v.HostPath] = v
	return nil
}

func (m *Manager) unregister(v *Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volumes, v.HostPath)
}

func pathsCollide(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// checkGuarantee sums existing guarantees in spec.Place plus the new
// request and rejects it if it exceeds the place's free space or
// inodes, per spec.md §4.E.
func (m *Manager) checkGuarantee(spec Spec) error {
	if spec.Place == "" || spec.SpaceGuarantee == 0 && spec.InodeGuarantee == 0 {
		return nil
	}
	m.mu.Lock()
	place, ok := m.places[spec.Place]
	var usedSpace, usedInodes uint64
	for _, v := range m.volumes {
		if v.Place == spec.Place {
			usedSpace += v.SpaceGuarantee
			usedInodes += v.InodeGuarantee
		}
	}
	m.mu.Unlock()
	if !ok {
		return errs.NotFoundf("Manager.checkGuarantee", nil, spec.Place)
	}

	freeBytes, freeInodes, err := place.FreeSpace()
	if err != nil {
		return err
	}
	if usedSpace+spec.SpaceGuarantee > freeBytes {
		return errs.NoSpacef("Manager.checkGuarantee", nil, spec.Place, "space")
	}
	if usedInodes+spec.InodeGuarantee > freeInodes {
		return errs.NoSpacef("Manager.checkGuarantee", nil, spec.Place, "inodes")
	}
	return nil
}

func (m *Manager) lookupBackend(name string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[name]
	if !ok {
		return nil, errs.NotFoundf("Manager.lookupBackend", nil, name)
	}
	return b, nil
}

// LinkVolume appends a link for container containerID, bind-mounting
// HostPath onto target if the container is currently running (running
// is the caller's responsibility to assert; this method always
// performs the bind-mount step described by the caller's
// bindMount callback to keep this package free of mount-namespace
// details, which live in internal/launcher).
func (m *Manager) LinkVolume(ctx context.Context, v *Volume, containerID, target, hostTarget string, readOnly, required bool, bindMount func() error) (*Link, error) {
	link := &Link{
		Volume:         v,
		ContainerID:    containerID,
		TargetPath:     target,
		HostTargetPath: hostTarget,
		ReadOnly:       readOnly,
		Required:       required,
	}
	if bindMount != nil {
		if err := bindMount(); err != nil {
			return nil, errs.Wrap(errs.Unknown, "Manager.LinkVolume", err, target)
		}
	}
	v.mu.Lock()
	v.Links = append(v.Links, link)
	v.mu.Unlock()
	m.persist(ctx, v)
	return link, nil
}

// UnlinkVolume removes link from its volume. If it was the last link
// and the volume's KeepStorage flag is false, the volume transitions
// to TO-DESTROY and is returned via unlinked so the caller can batch
// teardown outside the volumes lock, per spec.md §4.E.
func (m *Manager) UnlinkVolume(ctx context.Context, link *Link) (unlinked *Volume, err error) {
	v := link.Volume
	v.mu.Lock()
	for i, l := range v.Links {
		if l == link {
			v.Links = append(v.Links[:i], v.Links[i+1:]...)
			break
		}
	}
	noLinksLeft := len(v.Links) == 0
	keepStorage := v.KeepStorage
	v.mu.Unlock()

	if noLinksLeft && !keepStorage {
		v.SetState(StateToDestroy, nowOrZero(ctx))
		m.persist(ctx, v)
		return v, nil
	}
	m.persist(ctx, v)
	return nil, nil
}

// Destroy drives a volume from TO-DESTROY (or ERROR) through
// DESTROYING to DESTROYED: it waits on the place's churn limiter,
// calls the backend's Delete, then unregisters the volume and removes
// its KV entry. Callers batch these outside the volumes lock per
// spec.md §4.E's UnlinkVolume contract.
func (m *Manager) Destroy(ctx context.Context, v *Volume) error {
	backend, err := m.lookupBackend(v.Backend)
	if err != nil {
		return err
	}

	v.SetState(StateDestroying, nowOrZero(ctx))
	m.persist(ctx, v)

	if err := m.waitChurn(ctx, v.Place); err != nil {
		return err
	}

	if err := backend.Delete(ctx, v); err != nil {
		v.SetState(StateError, nowOrZero(ctx))
		m.persist(ctx, v)
		return err
	}

	v.SetState(StateDestroyed, nowOrZero(ctx))
	m.unregister(v)
	return m.kv.Delete(ctx, v.HostPath)
}

// persist writes v's current state to the KV store. spec.md §4.E
// requires every transition land there before the in-memory update is
// considered final; a failed write here means the KV store has
// diverged from the in-memory map, so it is logged rather than
// silently dropped even though the caller has no state transition
// left to unwind it with.
func (m *Manager) persist(ctx context.Context, v *Volume) {
	rec := toRecord(v)
	if err := m.kv.Save(ctx, v.HostPath, rec); err != nil {
		slog.Default().Warn("failed to persist volume state", "path", v.HostPath, "state", v.GetState(), "error", err)
	}
}

// Rehydrate reads every persisted volume record and re-registers it
// without rebuilding, the supplemented feature implementing spec.md
// §8 scenario E per SPEC_FULL.md §7.
func (m *Manager) Rehydrate(ctx context.Context) error {
	keys, err := m.kv.List(ctx)
	if err != nil {
		return errs.Wrap(errs.Unknown, "Manager.Rehydrate", err)
	}
	for _, key := range keys {
		rec, ok, err := m.kv.Load(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		v := fromRecord(rec)
		m.mu.Lock()
		m.volumes[v.HostPath] = v
		m.mu.Unlock()
	}
	return nil
}

func nowOrZero(ctx context.Context) time.Time {
	if t, ok := ctx.Value(nowKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// nowKey lets tests inject a deterministic clock; production code
// never sets it and simply gets time.Now().
type nowKey struct{}
