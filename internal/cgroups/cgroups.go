// Package cgroups implements the controller graph component: a
// process-wide registry of cgroup nodes identified by
// (controller-set, path), hierarchical create/remove, knob I/O, task
// attachment, and freezer control. Grounded on the teacher's
// setupCgroupV1/setupCgroupV2 knob-writing style in legacy/container.go
// and on moby-moby's pkg/libcontainer/cgroups/fs subsystem shape
// (Set/Remove/Stats per controller).
package cgroups

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
	"containerforge/internal/nsutil"
	"containerforge/internal/sysutil"
)

const (
	cgroupV1TmpfsPath = "/sys/fs/cgroup"
	tasksFile         = "tasks"
	procsFile         = "cgroup.procs"
)

// Cgroup is one node of the controller graph: a directory under a
// mounted cgroup filesystem, identified by its controller set and path
// relative to that controller set's root.
type Cgroup struct {
	controllers []string
	path        string // relative to the controller-set root, "" for root
	mountpoint  string // absolute filesystem path of this node

	mu       sync.Mutex
	parent   *Cgroup
	children []*Cgroup
	isRoot   bool

	registry *Registry
}

// Identity returns the registry key this node was looked up under.
func (c *Cgroup) Identity() string {
	return identityKey(c.controllers, c.path)
}

// Path returns the absolute filesystem path backing this node.
func (c *Cgroup) Path() string { return c.mountpoint }

// Controllers returns the controller set this node belongs to.
func (c *Cgroup) Controllers() []string {
	out := make([]string, len(c.controllers))
	copy(out, c.controllers)
	return out
}

func identityKey(controllers []string, path string) string {
	sorted := append([]string(nil), controllers...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + path
}

// Create makes the node's backing directory exist, mounting the
// controller-set root first if necessary. Idempotent: an already
// mounted root with an equal spec, or an already existing directory,
// is a no-op.
func (c *Cgroup) Create() error {
	if c.isRoot {
		return c.createRoot()
	}
	if c.parent != nil {
		if err := c.parent.Create(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(c.mountpoint, 0o755); err != nil {
		if !os.IsExist(err) {
			return errs.Wrap(errs.Unknown, "Cgroup.Create", err, c.mountpoint)
		}
	}
	return nil
}

func (c *Cgroup) createRoot() error {
	snap, err := readMountSnapshot()
	if err != nil {
		return err
	}

	holderMounted := false
	for _, m := range snap.FindByFSType("tmpfs") {
		if m.Mountpoint == cgroupV1TmpfsPath {
			holderMounted = true
			break
		}
	}
	if !holderMounted {
		if err := os.MkdirAll(cgroupV1TmpfsPath, 0o755); err != nil {
			return errs.Wrap(errs.Unknown, "Cgroup.createRoot", err, cgroupV1TmpfsPath)
		}
		if err := unix.Mount("tmpfs", cgroupV1TmpfsPath, "tmpfs", 0, "mode=755"); err != nil && err != unix.EBUSY {
			return errs.Wrap(errs.Unknown, "mount(tmpfs holder)", err, cgroupV1TmpfsPath)
		}
	}

	if existing, ok := snap.FindMountpoint(c.mountpoint); ok && existing.Mountpoint == c.mountpoint && existing.FSType == "cgroup" {
		// Already mounted with (at least) an equal path; treat as a
		// no-op per spec's "if already mounted with an equal spec".
		return nil
	}

	if err := os.MkdirAll(c.mountpoint, 0o755); err != nil && !os.IsExist(err) {
		return errs.Wrap(errs.Unknown, "Cgroup.createRoot", err, c.mountpoint)
	}

	opts := strings.Join(c.controllers, ",")
	if err := unix.Mount("cgroup", c.mountpoint, "cgroup", 0, opts); err != nil {
		if err == unix.EBUSY {
			return nil
		}
		return errs.Wrap(errs.Unknown, "mount(cgroup)", err, c.mountpoint)
	}
	return nil
}

// Remove kills any remaining tasks, retries rmdir on EBUSY, and for a
// root node unmounts instead. Non-root removal polls the tasks file
// and SIGKILLs stragglers before unlinking the directory.
func (c *Cgroup) Remove(killTimeout int) error {
	if c.isRoot {
		if err := unix.Unmount(c.mountpoint, 0); err != nil && err != unix.EINVAL {
			return errs.Wrap(errs.Unknown, "Cgroup.Remove(root)", err, c.mountpoint)
		}
		c.registry.release(c)
		return nil
	}

	if err := c.killRemainingTasks(killTimeout); err != nil {
		return err
	}

	err := sysutil.RetryBusy(5, 5*time.Millisecond, 50*time.Millisecond, func() error {
		if rmErr := os.Remove(c.mountpoint); rmErr != nil {
			if os.IsNotExist(rmErr) {
				return nil
			}
			if isBusyErr(rmErr) {
				return errs.Busyf("Cgroup.Remove", rmErr)
			}
			return errs.Wrap(errs.Unknown, "Cgroup.Remove", rmErr, c.mountpoint)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.parent != nil {
		c.parent.removeChild(c)
	}
	c.registry.release(c)
	return nil
}

func (c *Cgroup) killRemainingTasks(maxRounds int) error {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	for round := 0; round < maxRounds; round++ {
		pids, err := c.Tasks()
		if err != nil {
			if errs.IsKind(err, errs.NotFound) {
				return nil
			}
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		for _, pid := range pids {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (c *Cgroup) removeChild(child *Cgroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// Attach writes pid into this node's task/process file, joining it to
// the cgroup. Uses cgroup.procs when present (v2/newer v1), falling
// back to tasks.
func (c *Cgroup) Attach(pid int) error {
	for _, fname := range []string{procsFile, tasksFile} {
		path := filepath.Join(c.mountpoint, fname)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return errs.Wrap(errs.Unknown, "Cgroup.Attach", err, path)
		}
		return nil
	}
	return errs.NotFoundf("Cgroup.Attach", nil, c.mountpoint)
}

// GetKnob reads a controller file's contents, trimmed of trailing
// whitespace.
func (c *Cgroup) GetKnob(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.mountpoint, name))
	if err != nil {
		return "", errs.Wrap(errs.NotFound, "Cgroup.GetKnob", err, name)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetKnob writes value to a controller file, appending if append is
// true (used for e.g. devices.allow lists) or truncating otherwise.
func (c *Cgroup) SetKnob(name, value string, append bool) error {
	flags := os.O_WRONLY
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.Join(c.mountpoint, name), flags, 0)
	if err != nil {
		return errs.Wrap(errs.Unknown, "Cgroup.SetKnob", err, name)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return errs.Wrap(errs.Unknown, "Cgroup.SetKnob", err, name)
	}
	return nil
}

// Tasks returns the pids listed in this node's tasks file.
func (c *Cgroup) Tasks() ([]int, error) {
	return readPidList(filepath.Join(c.mountpoint, tasksFile))
}

// Processes returns the pids listed in this node's cgroup.procs file,
// falling back to Tasks if cgroup.procs doesn't exist (v1 without the
// newer knob).
func (c *Cgroup) Processes() ([]int, error) {
	pids, err := readPidList(filepath.Join(c.mountpoint, procsFile))
	if err != nil && errs.IsKind(err, errs.NotFound) {
		return c.Tasks()
	}
	return pids, err
}

func readPidList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "readPidList", err, path)
	}
	var out []int
	for _, line := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		out = append(out, pid)
	}
	return out, nil
}

// FindChildren lists the already-registered live children of this
// node. It does not discover directories on disk that were never
// looked up through the registry.
func (c *Cgroup) FindChildren() []*Cgroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Cgroup, len(c.children))
	copy(out, c.children)
	return out
}

func readMountSnapshot() (nsutil.Snapshot, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "readMountSnapshot", err)
	}
	defer f.Close()
	return nsutil.ParseMountinfo(f)
}

func isBusyErr(err error) bool {
	return err == unix.EBUSY || strings.Contains(err.Error(), "device or resource busy")
}
