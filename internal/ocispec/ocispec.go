// Package ocispec converts between an OCI runtime-spec bundle
// (config.json plus a root filesystem) and this runtime's native
// launcher.TaskEnv, so the launcher can be driven from a standard
// bundle the way `runc create`/`start` would drive it, instead of
// requiring a caller to build a TaskEnv by hand. Grounded on the
// teacher's OCIRuntime (oci.go): LoadSpec/validateSpec become
// LoadBundle/validateSpec here, and convertProcess/convertRoot/
// convertMounts/convertLinuxConfig become ToTaskEnv's equivalent
// steps — but targeting the native TaskEnv/CgroupLimits types
// directly instead of the teacher's intermediate Config struct, since
// this runtime has no such struct of its own. SaveState/LoadState/
// CleanupState are kept as plain on-disk JSON (not the KV store
// internal/kvstore backs container/volume records with): OCI's
// `state` command is specified to read exactly this kind of file from
// a well-known run directory, independent of whatever persistence
// backend the rest of the runtime uses.
package ocispec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"containerforge/internal/errs"
	"containerforge/internal/launcher"
)

// stateDir is the well-known run directory OCI state files live
// under, matching the teacher's SaveState/LoadState (oci.go).
const stateDir = "/run/containerforge/oci"

// Bundle is a loaded OCI runtime bundle: its config.json and the
// filesystem path it was read from, mirroring the teacher's
// OCIRuntime (oci.go) minus the internal Config conversion target.
type Bundle struct {
	Path string
	Spec *specs.Spec
}

// LoadBundle reads and validates bundlePath/config.json, the same two
// steps as the teacher's LoadSpec/validateSpec (oci.go).
func LoadBundle(bundlePath string) (*Bundle, error) {
	if bundlePath == "" {
		return nil, errs.InvalidValuef("LoadBundle", "empty bundle path")
	}
	configPath := filepath.Join(bundlePath, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "LoadBundle.read", err, configPath)
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errs.Wrap(errs.InvalidValue, "LoadBundle.unmarshal", err, configPath)
	}
	if err := validateSpec(bundlePath, &spec); err != nil {
		return nil, err
	}
	return &Bundle{Path: bundlePath, Spec: &spec}, nil
}

func validateSpec(bundlePath string, spec *specs.Spec) error {
	if spec.Version == "" {
		return errs.InvalidValuef("validateSpec", "ociVersion is required")
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return errs.InvalidValuef("validateSpec", "process.args is required")
	}
	if spec.Root == nil || spec.Root.Path == "" {
		return errs.InvalidValuef("validateSpec", "root.path is required")
	}
	rootPath := spec.Root.Path
	if !filepath.IsAbs(rootPath) {
		rootPath = filepath.Join(bundlePath, rootPath)
	}
	if _, err := os.Stat(rootPath); err != nil {
		return errs.Wrap(errs.NotFound, "validateSpec.root", err, rootPath)
	}
	return nil
}

// CgroupLimits is the subset of a bundle's Linux.Resources this
// runtime's internal/cgroups can apply via Cgroup.SetKnob, split out
// of TaskEnv the way internal/cgroups itself is a separate component
// from internal/launcher.
type CgroupLimits struct {
	MemoryLimitBytes int64
	CPUShares        uint64
	CPUQuotaUs       int64
	CPUPeriodUs      uint64
	PidsLimit        int64
}

// ToTaskEnv converts b's process/root/mounts/namespace/capability/
// rlimit configuration into a launcher.TaskEnv ready for
// internal/container to wire cgroup leaves into and start. The
// bundle's cgroup resource limits are not part of the result; they are
// read with CgroupLimitsFromSpec. Hooks are returned
// separately since TaskEnv has no hook concept; callers run them
// around Container.Start themselves, matching the teacher's
// convertHooks feeding a separate HookConfig map rather than Config's
// process section.
func ToTaskEnv(b *Bundle) (*launcher.TaskEnv, []HookSet, error) {
	spec := b.Spec
	env := &launcher.TaskEnv{
		Argv:    append([]string(nil), spec.Process.Args...),
		Env:     append([]string(nil), spec.Process.Env...),
		WorkDir: spec.Process.Cwd,
		Hostname: spec.Hostname,
	}

	rootPath := spec.Root.Path
	if !filepath.IsAbs(rootPath) {
		rootPath = filepath.Join(b.Path, rootPath)
	}
	env.RootPath = rootPath
	env.RootRdOnly = spec.Root.Readonly

	if spec.Process.Terminal {
		env.TTY = true
	}

	env.Creds = launcher.Credential{
		UID:    spec.Process.User.UID,
		GID:    spec.Process.User.GID,
		Groups: append([]uint32(nil), spec.Process.User.AdditionalGids...),
	}

	if caps := spec.Process.Capabilities; caps != nil {
		capSet, err := capSetFromOCINames(caps.Effective)
		if err != nil {
			return nil, nil, err
		}
		env.Caps = capSet
	}

	env.Rlimits = make(map[string]launcher.TaskEnvRlimit, len(spec.Process.Rlimits))
	for _, rl := range spec.Process.Rlimits {
		env.Rlimits[strings.ToUpper(rl.Type)] = launcher.TaskEnvRlimit{Soft: rl.Soft, Hard: rl.Hard}
	}

	env.BindMounts = convertMounts(spec.Mounts, b.Path)

	if spec.Linux != nil {
		applyNamespaces(env, spec.Linux.Namespaces)
	}

	var hooks []HookSet
	if spec.Hooks != nil {
		hooks = convertHooks(spec.Hooks)
	}

	return env, hooks, nil
}

func capSetFromOCINames(names []string) (launcher.CapSet, error) {
	bare := make([]string, 0, len(names))
	for _, n := range names {
		bare = append(bare, strings.TrimPrefix(n, "CAP_"))
	}
	return launcher.CapSetFromNames(bare)
}

// convertMounts turns OCI Mount entries into launcher.BindMount
// entries, the same option-to-flag mapping the teacher's
// convertMounts (oci.go) does, minus the propagation flags this
// runtime's bindExtraMounts doesn't expose (it only distinguishes
// read-only from read-write, per spec.md §4.F step 3).
func convertMounts(mounts []specs.Mount, bundlePath string) []launcher.BindMount {
	out := make([]launcher.BindMount, 0, len(mounts))
	for _, m := range mounts {
		source := m.Source
		if source != "" && !filepath.IsAbs(source) {
			source = filepath.Join(bundlePath, source)
		}
		readOnly := false
		for _, opt := range m.Options {
			if opt == "ro" || opt == "readonly" {
				readOnly = true
			}
		}
		out = append(out, launcher.BindMount{
			Source:   source,
			Target:   m.Destination,
			ReadOnly: readOnly,
		})
	}
	return out
}

// applyNamespaces sets env.Unshare per the bundle's linux.namespaces
// list (a namespace with no Path means "create a new one"); a
// namespace with a Path populates env.ParentNs so the master stage
// joins it via setns instead, per spec.md §4.F's "(or enters existing
// namespaces via setns)".
func applyNamespaces(env *launcher.TaskEnv, namespaces []specs.LinuxNamespace) {
	for _, ns := range namespaces {
		switch ns.Type {
		case specs.MountNamespace:
			setNsFlag(env, ns.Path, &env.Unshare.Mount, &env.ParentNs.Mount)
		case specs.UTSNamespace:
			setNsFlag(env, ns.Path, &env.Unshare.UTS, &env.ParentNs.UTS)
		case specs.IPCNamespace:
			setNsFlag(env, ns.Path, &env.Unshare.IPC, &env.ParentNs.IPC)
		case specs.PIDNamespace:
			setNsFlag(env, ns.Path, &env.Unshare.PID, &env.ParentNs.PID)
		case specs.NetworkNamespace:
			setNsFlag(env, ns.Path, &env.Unshare.Net, &env.ParentNs.Net)
		case specs.UserNamespace:
			setNsFlag(env, ns.Path, &env.Unshare.User, &env.ParentNs.User)
		}
	}
}

func setNsFlag(env *launcher.TaskEnv, path string, unshareFlag *bool, parentPath *string) {
	if path != "" {
		*parentPath = path
		return
	}
	*unshareFlag = true
}

// CgroupLimitsFromSpec extracts the memory/cpu/pids limits a bundle's
// linux.resources named, the teacher's convertLinuxConfig (oci.go)
// applied to a CgroupConfig.
func CgroupLimitsFromSpec(spec *specs.Spec) CgroupLimits {
	var limits CgroupLimits
	if spec.Linux == nil || spec.Linux.Resources == nil {
		return limits
	}
	res := spec.Linux.Resources
	if res.Memory != nil && res.Memory.Limit != nil {
		limits.MemoryLimitBytes = *res.Memory.Limit
	}
	if res.CPU != nil {
		if res.CPU.Shares != nil {
			limits.CPUShares = *res.CPU.Shares
		}
		if res.CPU.Quota != nil {
			limits.CPUQuotaUs = *res.CPU.Quota
		}
		if res.CPU.Period != nil {
			limits.CPUPeriodUs = *res.CPU.Period
		}
	}
	if res.Pids != nil {
		limits.PidsLimit = res.Pids.Limit
	}
	return limits
}

// HookSet is one OCI hook phase's configured hooks, the teacher's
// HookConfig entries (oci.go) generalized to carry every hook in a
// phase rather than only the first.
type HookSet struct {
	Phase string
	Hooks []Hook
}

// Hook is a single OCI lifecycle hook invocation.
type Hook struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

func convertHooks(h *specs.Hooks) []HookSet {
	var sets []HookSet
	add := func(phase string, hooks []specs.Hook) {
		if len(hooks) == 0 {
			return
		}
		set := HookSet{Phase: phase}
		for _, hook := range hooks {
			var timeout time.Duration
			if hook.Timeout != nil {
				timeout = time.Duration(*hook.Timeout) * time.Second
			}
			set.Hooks = append(set.Hooks, Hook{
				Path:    hook.Path,
				Args:    append([]string(nil), hook.Args...),
				Env:     append([]string(nil), hook.Env...),
				Timeout: timeout,
			})
		}
		sets = append(sets, set)
	}
	add("prestart", h.Prestart)
	add("createRuntime", h.CreateRuntime)
	add("createContainer", h.CreateContainer)
	add("startContainer", h.StartContainer)
	add("poststart", h.Poststart)
	add("poststop", h.Poststop)
	return sets
}

// State is the OCI `state` command's on-disk representation, the
// teacher's OCIContainerState (oci.go).
type State struct {
	Version     string            `json:"ociVersion"`
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Pid         int               `json:"pid,omitempty"`
	Bundle      string            `json:"bundle"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
}

// Status is one of the OCI-defined container lifecycle states.
type Status string

const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// SaveState writes id's OCI state file, the teacher's SaveState minus
// the OCIRuntime receiver (the spec version and bundle path are
// passed in directly instead of read off a live *OCIRuntime).
func SaveState(id string, ociVersion, bundlePath string, status Status, pid int, annotations map[string]string) error {
	state := State{
		Version:     ociVersion,
		ID:          id,
		Status:      status,
		Pid:         pid,
		Bundle:      bundlePath,
		Annotations: annotations,
		CreatedAt:   time.Now(),
	}
	dir := filepath.Join(stateDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.Unknown, "SaveState.mkdir", err, dir)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Unknown, "SaveState.marshal", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), data, 0644); err != nil {
		return errs.Wrap(errs.Unknown, "SaveState.write", err)
	}
	return nil
}

// LoadState reads id's OCI state file back.
func LoadState(id string) (*State, error) {
	path := filepath.Join(stateDir, id, "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "LoadState", err, path)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errs.Wrap(errs.InvalidValue, "LoadState.unmarshal", err, path)
	}
	return &state, nil
}

// CleanupState removes id's OCI state directory entirely.
func CleanupState(id string) error {
	if id == "" {
		return errs.InvalidValuef("CleanupState", "empty id")
	}
	if err := os.RemoveAll(filepath.Join(stateDir, id)); err != nil {
		return errs.Wrap(errs.Unknown, "CleanupState", err, id)
	}
	return nil
}
