package launcher

import (
	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// rlimitResource maps the RLIMIT_* names TaskEnv.Rlimits is keyed by
// to their unix.RLIMIT_* resource numbers, spec.md §4.F step 1
// ("apply rlimits") supplemented per SPEC_FULL.md §7's per-RLIMIT
// table.
var rlimitResource = map[string]int{
	"RLIMIT_CPU":      unix.RLIMIT_CPU,
	"RLIMIT_FSIZE":    unix.RLIMIT_FSIZE,
	"RLIMIT_DATA":     unix.RLIMIT_DATA,
	"RLIMIT_STACK":    unix.RLIMIT_STACK,
	"RLIMIT_CORE":     unix.RLIMIT_CORE,
	"RLIMIT_RSS":      unix.RLIMIT_RSS,
	"RLIMIT_NPROC":    unix.RLIMIT_NPROC,
	"RLIMIT_NOFILE":   unix.RLIMIT_NOFILE,
	"RLIMIT_MEMLOCK":  unix.RLIMIT_MEMLOCK,
	"RLIMIT_AS":       unix.RLIMIT_AS,
	"RLIMIT_LOCKS":    unix.RLIMIT_LOCKS,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_MSGQUEUE": unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":     unix.RLIMIT_NICE,
	"RLIMIT_RTPRIO":   unix.RLIMIT_RTPRIO,
}

// applyRlimits is step 1 of the child workflow, spec.md §4.F: every
// entry in env.Rlimits is applied via unix.Setrlimit before any other
// stage runs.
func applyRlimits(rlimits map[string]TaskEnvRlimit) error {
	for name, lim := range rlimits {
		resource, ok := rlimitResource[name]
		if !ok {
			return errs.InvalidValuef("applyRlimits", name)
		}
		rl := unix.Rlimit{Cur: lim.Soft, Max: lim.Hard}
		if err := unix.Setrlimit(resource, &rl); err != nil {
			return errs.Wrap(errs.Unknown, "applyRlimits", err, name, lim.Soft, lim.Hard)
		}
	}
	return nil
}
