package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// ipCommandTimeout bounds each ip(8) invocation during network bring-up,
// mirroring the bounded exec.CommandContext timeout internal/volume's
// backends use for their own external-tool delegation.
const ipCommandTimeout = 10 * time.Second

// setHostname is part of child workflow step 4, spec.md §4.F, applied
// after the UTS namespace has been unshared/entered.
func setHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return errs.Wrap(errs.Unknown, "setHostname", err, hostname)
	}
	return nil
}

// attachCgroups is child workflow step 5, spec.md §4.F: write this
// process's own pid into every leaf cgroup.procs file named in
// env.Cgroups, generalized from the teacher's setupCgroupV1/V2 writes
// (container.go) which the parent performs on the child's pid from
// the outside; here the child performs the write on itself once it is
// its own final pid (post any reparent forks).
func attachCgroups(cgroups map[string]string) error {
	pid := []byte(strconv.Itoa(os.Getpid()))
	for controller, path := range cgroups {
		procsFile := path + "/cgroup.procs"
		if err := os.WriteFile(procsFile, pid, 0644); err != nil {
			return errs.Wrap(errs.Unknown, "attachCgroups", err, controller, procsFile)
		}
	}
	return nil
}

// bringUpNetwork is child workflow step 6, spec.md §4.F and its
// "inside the child netns, bring lo up, rename the moved link to its
// desired name, assign addresses, add default routes" sequence
// (spec.md §4.D). The parent has already moved a link into this
// namespace by the time this runs (env.Network.HostConfigured), so
// this step only has to rename it and finish the configuration.
// Grounded on the teacher's setupContainerNetwork (container.go),
// generalized to apply pre-resolved strings rather than calling back
// into netlink config structures, since this runs in a freshly
// unshared netns where internal/netlinkmgr's own richer API isn't
// reachable without re-deriving its Config type here.
func bringUpNetwork(net NetSetup) error {
	if err := bringUpLoopback(); err != nil {
		return err
	}
	if !net.HostConfigured || net.TargetIface == "" {
		return nil
	}
	if net.CurrentName != "" && net.CurrentName != net.TargetIface {
		if err := runIP("link", "set", net.CurrentName, "name", net.TargetIface); err != nil {
			return err
		}
	}
	for _, spec := range net.Addrs {
		if err := runIP("addr", "add", spec, "dev", net.TargetIface); err != nil {
			return err
		}
	}
	if err := runIP("link", "set", net.TargetIface, "up"); err != nil {
		return err
	}
	for _, route := range net.Routes {
		if err := runIP(append([]string{"route", "add"}, strings.Fields(route)...)...); err != nil {
			return err
		}
	}
	return nil
}

func bringUpLoopback() error {
	return runIP("link", "set", "lo", "up")
}

// runIP shells out to the ip(8) binary the way the volume backends
// shell out to rbd/lvm/setquota, since driving rtnetlink directly from
// inside a not-yet-fully-set-up netns duplicates internal/netlinkmgr's
// job for a one-shot child-side call.
func runIP(args ...string) error {
	cctx, cancel := context.WithTimeout(context.Background(), ipCommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "ip", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.Unknown, "runIP", err, fmt.Sprint(args), strings.TrimSpace(stderr.String()))
	}
	return nil
}

// reopenStdio is child workflow step 7, spec.md §4.F: reopen stdin/
// stdout/stderr against the configured paths (or leave the inherited
// descriptors alone when empty). It closes no other descriptor; the
// remaining inherited fds are closed later by closeExtraFds. Grounded on the
// teacher's runChild (main.go) which redirects std handles before
// exec when a detached/TTY mode is configured.
func reopenStdio(env *TaskEnv) error {
	if env.StdinPath != "" {
		f, err := os.OpenFile(env.StdinPath, os.O_RDONLY, 0)
		if err != nil {
			return errs.Wrap(errs.Unknown, "reopenStdio.stdin", err, env.StdinPath)
		}
		if err := unix.Dup2(int(f.Fd()), 0); err != nil {
			return errs.Wrap(errs.Unknown, "reopenStdio.dup2stdin", err)
		}
		f.Close()
	}
	if env.StdoutPath != "" {
		f, err := os.OpenFile(env.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errs.Wrap(errs.Unknown, "reopenStdio.stdout", err, env.StdoutPath)
		}
		if err := unix.Dup2(int(f.Fd()), 1); err != nil {
			return errs.Wrap(errs.Unknown, "reopenStdio.dup2stdout", err)
		}
		f.Close()
	}
	if env.StderrPath != "" {
		f, err := os.OpenFile(env.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errs.Wrap(errs.Unknown, "reopenStdio.stderr", err, env.StderrPath)
		}
		if err := unix.Dup2(int(f.Fd()), 2); err != nil {
			return errs.Wrap(errs.Unknown, "reopenStdio.dup2stderr", err)
		}
		f.Close()
	}
	return nil
}
