package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// mountConfig is one entry of the default mount table every rootfs
// gets before TaskEnv.BindMounts are applied, generalized from the
// teacher's setupMounts default table (container.go).
type mountConfig struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

var defaultMounts = []mountConfig{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NOEXEC},
	{source: "tmpfs", target: "/dev", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_STRICTATIME, data: "mode=755,size=65536k"},
	{source: "devpts", target: "/dev/pts", fstype: "devpts", flags: unix.MS_NOSUID | unix.MS_NOEXEC, data: "newinstance,ptmxmode=0666,mode=0620"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs", flags: unix.MS_NOSUID},
}

// mountRoot is child workflow step 2, spec.md §4.F: pivot_root into
// env.RootPath (falling back to chroot), mount the default
// filesystems, and remount the root read-only when RootRdOnly is set.
// Grounded on the teacher's pivotRoot (container.go).
func mountRoot(env *TaskEnv) error {
	newRoot := env.RootPath
	if err := unix.Mount(newRoot, newRoot, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errs.Wrap(errs.Unknown, "mountRoot.selfbind", err, newRoot)
	}

	putOld := filepath.Join(newRoot, ".pivot_root")
	if err := os.MkdirAll(putOld, 0700); err != nil {
		return errs.Wrap(errs.Unknown, "mountRoot.mkdir", err, putOld)
	}
	defer os.RemoveAll(putOld)

	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		if chrootErr := unix.Chroot(newRoot); chrootErr != nil {
			return errs.Wrap(errs.Unknown, "mountRoot.chrootFallback", chrootErr, newRoot)
		}
		if err := unix.Chdir("/"); err != nil {
			return errs.Wrap(errs.Unknown, "mountRoot.chdir", err)
		}
	} else {
		if err := unix.Chdir("/"); err != nil {
			return errs.Wrap(errs.Unknown, "mountRoot.chdir", err)
		}
		if err := unix.Unmount("/.pivot_root", unix.MNT_DETACH); err != nil {
			return errs.Wrap(errs.Unknown, "mountRoot.unmountOld", err)
		}
	}

	for _, m := range defaultMounts {
		if err := os.MkdirAll(m.target, 0755); err != nil && !os.IsExist(err) {
			return errs.Wrap(errs.Unknown, "mountRoot.mkdir", err, m.target)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			return errs.Wrap(errs.Unknown, "mountRoot.mount", err, m.target)
		}
	}
	if err := unix.Mount("sysfs", "/sys", "sysfs", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NOEXEC, ""); err != nil {
		return errs.Wrap(errs.Unknown, "mountRoot.remountSys", err)
	}

	if err := makeDeviceNodes(); err != nil {
		return err
	}

	if env.RootRdOnly {
		if err := unix.Mount("/", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return errs.Wrap(errs.Unknown, "mountRoot.remountRdOnly", err)
		}
	}
	return nil
}

// makeDeviceNodes creates the minimal /dev nodes a container needs,
// grounded on the teacher's setupDeviceNodes (container.go). A node or
// symlink that already exists is skipped; any other Mknod or Symlink
// error is returned, and mountRoot fails with it.
func makeDeviceNodes() error {
	type dev struct {
		path         string
		mode         uint32
		major, minor uint32
	}
	devices := []dev{
		{"/dev/null", unix.S_IFCHR | 0666, 1, 3},
		{"/dev/zero", unix.S_IFCHR | 0666, 1, 5},
		{"/dev/full", unix.S_IFCHR | 0666, 1, 7},
		{"/dev/random", unix.S_IFCHR | 0666, 1, 8},
		{"/dev/urandom", unix.S_IFCHR | 0666, 1, 9},
		{"/dev/console", unix.S_IFCHR | 0600, 5, 1},
	}
	for _, d := range devices {
		if err := unix.Mknod(d.path, d.mode, int(unix.Mkdev(d.major, d.minor))); err != nil && err != unix.EEXIST {
			return errs.Wrap(errs.Unknown, "makeDeviceNodes", err, d.path)
		}
	}
	if err := os.Symlink("pts/ptmx", "/dev/ptmx"); err != nil && !os.IsExist(err) {
		return errs.Wrap(errs.Unknown, "makeDeviceNodes.ptmx", err)
	}
	return nil
}

// bindExtraMounts is child workflow step 3, spec.md §4.F: apply
// TaskEnv.BindMounts and, when DNSBind is set, write /etc/hosts and
// /etc/resolv.conf, generalized from the teacher's mountVolumes and
// setupHostsEntries (container.go) to run after pivot_root rather than
// against an absolute rootfs prefix.
func bindExtraMounts(env *TaskEnv) error {
	for _, bm := range env.BindMounts {
		dest, err := filepath.Abs(bm.Target)
		if err != nil {
			return errs.Wrap(errs.Unknown, "bindExtraMounts.abs", err, bm.Target)
		}
		if !strings.HasPrefix(dest, "/") {
			return errs.InvalidValuef("bindExtraMounts", bm.Target)
		}
		if err := os.MkdirAll(dest, 0755); err != nil {
			return errs.Wrap(errs.Unknown, "bindExtraMounts.mkdir", err, dest)
		}
		flags := uintptr(unix.MS_BIND | unix.MS_REC)
		if err := unix.Mount(bm.Source, dest, "bind", flags, ""); err != nil {
			return errs.Wrap(errs.Unknown, "bindExtraMounts.mount", err, bm.Source, dest)
		}
		if bm.ReadOnly {
			if err := unix.Mount(bm.Source, dest, "bind", flags|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return errs.Wrap(errs.Unknown, "bindExtraMounts.remountRO", err, dest)
			}
		}
	}

	if env.DNSBind {
		if err := os.MkdirAll("/etc", 0755); err != nil {
			return errs.Wrap(errs.Unknown, "bindExtraMounts.etcdir", err)
		}
		var hosts strings.Builder
		hosts.WriteString("127.0.0.1\tlocalhost\n::1\tlocalhost\n")
		if env.Hostname != "" {
			fmt.Fprintf(&hosts, "127.0.1.1\t%s\n", env.Hostname)
		}
		if err := os.WriteFile("/etc/hosts", []byte(hosts.String()), 0644); err != nil {
			return errs.Wrap(errs.Unknown, "bindExtraMounts.hosts", err)
		}
		if len(env.DNSServers) > 0 {
			var resolv strings.Builder
			for _, s := range env.DNSServers {
				fmt.Fprintf(&resolv, "nameserver %s\n", s)
			}
			if err := os.WriteFile("/etc/resolv.conf", []byte(resolv.String()), 0644); err != nil {
				return errs.Wrap(errs.Unknown, "bindExtraMounts.resolv", err)
			}
		}
	}
	return nil
}
