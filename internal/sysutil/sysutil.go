// Package sysutil holds the small, leaf-level utilities every other
// runtime package depends on: scoped file descriptors, the shared
// EBUSY retry loop, string-with-unit parsing, and pidfile handling.
// Grounded on the teacher's utils.go (IPAllocator/LoopDeviceManager
// helpers) and errors.go retry shapes. Capability bitset manipulation
// lives in internal/launcher (caps.go/taskenv.go) rather than here,
// since TaskEnv.Caps is the only consumer and owns the type.
package sysutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"containerforge/internal/errs"
)

// ScopedFile wraps an *os.File that must be closed exactly once even if
// ownership is handed off across goroutines or deferred closures.
type ScopedFile struct {
	f      *os.File
	closed bool
}

func OpenScoped(path string, flag int, perm os.FileMode) (*ScopedFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "open", err, path)
	}
	return &ScopedFile{f: f}, nil
}

func (s *ScopedFile) File() *os.File { return s.f }

func (s *ScopedFile) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Release hands the underlying *os.File to the caller, disarming this
// ScopedFile's Close so it no longer closes it.
func (s *ScopedFile) Release() *os.File {
	s.closed = true
	return s.f
}

// RetryBusy calls f up to times times, sleeping periodMin..periodMax
// (linear backoff) between attempts, stopping at the first success or
// the first non-EBUSY error. times, periodMin and periodMax are
// caller-supplied per spec.md §4.C / §5.
func RetryBusy(times int, periodMin, periodMax time.Duration, f func() error) error {
	if times < 1 {
		times = 1
	}
	var lastErr error
	step := time.Duration(0)
	if times > 1 {
		step = (periodMax - periodMin) / time.Duration(times-1)
	}
	for attempt := 0; attempt < times; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.IsBusy(err) {
			return err
		}
		if attempt == times-1 {
			break
		}
		sleep := periodMin + step*time.Duration(attempt)
		if sleep > periodMax {
			sleep = periodMax
		}
		time.Sleep(sleep)
	}
	return lastErr
}

// StringWithUnitToUint64 parses a string with an optional K/M/G suffix
// into bytes. Preserves the source's fall-through quirk documented in
// spec.md §9 Open Question (b): an unrecognized trailing letter is
// silently dropped rather than rejected, so "5k" yields 5<<10 but "5z"
// yields 5 with no error. A value whose part before the trailing
// letters is not a plain decimal number ("abc", "", "12abc5") is
// InvalidValue.
func StringWithUnitToUint64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errs.InvalidValuef("StringWithUnitToUint64", s)
	}

	end := len(s)
	for end > 0 && !isDigit(s[end-1]) {
		end--
	}
	numPart := s[:end]
	suffix := s[end:]

	val, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, errs.InvalidValuef("StringWithUnitToUint64", s)
	}

	switch strings.ToUpper(suffix) {
	case "", "B":
		return val, nil
	case "K":
		return val << 10, nil
	case "M":
		return val << 20, nil
	case "G":
		return val << 30, nil
	default:
		// Unknown suffix: fall through without scaling, matching the
		// original implementation's switch-with-no-default behavior.
		return val, nil
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ReadPidfile reads a pid previously written by WritePidfile.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errs.Wrap(errs.NotFound, "ReadPidfile", err, path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errs.InvalidValuef("ReadPidfile", path)
	}
	return pid, nil
}

// WritePidfile atomically writes pid to path.
func WritePidfile(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return errs.Wrap(errs.Unknown, "WritePidfile", err, path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Unknown, "WritePidfile", err, path)
	}
	return nil
}

// FormatBytes renders n bytes with a K/M/G suffix for log messages,
// the inverse convenience of StringWithUnitToUint64.
func FormatBytes(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%d", n)
	}
}
