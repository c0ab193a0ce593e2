package launcher

import (
	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// switchCredential is child workflow step 9, spec.md §4.F: "Switch
// credential (setgroups, setgid, setuid)", applied in that literal
// order so the process still holds CAP_SETUID/CAP_SETGID when it
// calls setgroups and setgid, losing them only after the final
// setuid. The teacher never performs this sequence explicitly: its
// single-fork model switches identity by setting SysProcAttr.Credential
// and UidMappings/GidMappings before the exec.Cmd is started
// (configureRootless, container.go), not inside the child after
// unshare. Because this launcher's stages are separate re-exec'd
// processes rather than one exec.Cmd carrying a Credential up front,
// the in-process syscall sequence below is the only way to apply it,
// so it follows spec.md's literal ordering rather than teacher code.
func switchCredential(creds Credential) error {
	if len(creds.Groups) > 0 {
		groups := make([]int, len(creds.Groups))
		for i, g := range creds.Groups {
			groups[i] = int(g)
		}
		if err := unix.Setgroups(groups); err != nil {
			return errs.Wrap(errs.Unknown, "switchCredential.setgroups", err)
		}
	} else if err := unix.Setgroups(nil); err != nil {
		return errs.Wrap(errs.Unknown, "switchCredential.setgroups", err)
	}

	if err := unix.Setgid(int(creds.GID)); err != nil {
		return errs.Wrap(errs.Unknown, "switchCredential.setgid", err, creds.GID)
	}
	if err := unix.Setuid(int(creds.UID)); err != nil {
		return errs.Wrap(errs.Unknown, "switchCredential.setuid", err, creds.UID)
	}
	return nil
}
