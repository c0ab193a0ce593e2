package netlinkmgr

import (
	"strings"
	"time"

	"containerforge/internal/errs"
	"containerforge/internal/sysutil"
)

// retryRemove shares the linear-backoff EBUSY retry helper with
// internal/cgroups per SPEC_FULL.md §6.C: remove operations retry on
// EBUSY, everything else surfaces the first error.
func retryRemove(f func() error) error {
	return sysutil.RetryBusy(5, 5*time.Millisecond, 50*time.Millisecond, f)
}

func wrapRemoveErr(op string, err error, args ...any) error {
	if isBusyErr(err) {
		return errs.Busyf(op, err, args...)
	}
	return errs.Wrap(errs.Unknown, op, err, args...)
}

func isBusyErr(err error) bool {
	return strings.Contains(err.Error(), "device or resource busy")
}
