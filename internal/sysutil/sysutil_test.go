package sysutil

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"containerforge/internal/errs"
)

func TestStringWithUnitToUint64(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1K", 1024, false},
		{"1M", 1048576, false},
		{"1G", 1073741824, false},
		{"5", 5, false},
		{"5k", 5 << 10, false},
		{"5z", 5, false},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := StringWithUnitToUint64(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("StringWithUnitToUint64(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("StringWithUnitToUint64(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("StringWithUnitToUint64(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRetryBusyStopsOnNonBusy(t *testing.T) {
	attempts := 0
	want := errors.New("boom")
	err := RetryBusy(5, time.Millisecond, 5*time.Millisecond, func() error {
		attempts++
		return want
	})
	if err != want {
		t.Fatalf("expected immediate non-busy error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestRetryBusyRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := RetryBusy(5, time.Millisecond, 3*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errs.Busyf("rmdir", syscall.EBUSY)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryBusyExhausted(t *testing.T) {
	attempts := 0
	err := RetryBusy(3, time.Millisecond, time.Millisecond, func() error {
		attempts++
		return errs.Busyf("rmdir", syscall.EBUSY)
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWriteReadPidfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WritePidfile(path, 4242); err != nil {
		t.Fatalf("WritePidfile: %v", err)
	}
	got, err := ReadPidfile(path)
	if err != nil {
		t.Fatalf("ReadPidfile: %v", err)
	}
	if got != 4242 {
		t.Fatalf("ReadPidfile = %d, want 4242", got)
	}
}

func TestReadPidfileMissing(t *testing.T) {
	if _, err := ReadPidfile(filepath.Join(t.TempDir(), "absent.pid")); err == nil {
		t.Fatal("expected an error reading a nonexistent pidfile")
	}
}

func TestScopedFileClosesExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoped")
	f, err := OpenScoped(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenScoped: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestScopedFileRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "released")
	f, err := OpenScoped(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenScoped: %v", err)
	}
	raw := f.Release()
	defer raw.Close()
	if err := f.Close(); err != nil {
		t.Fatalf("Close after Release should be a no-op, got %v", err)
	}
}
