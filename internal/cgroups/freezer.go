package cgroups

import (
	"os"
	"time"

	"containerforge/internal/errs"
)

const (
	freezerStateKnob = "freezer.state"
	stateFrozen      = "FROZEN"
	stateThawed      = "THAWED"
	freezePollPeriod = 20 * time.Millisecond
)

// freezeDeadline is a var (not const) so tests can shrink it to
// exercise the timeout path without sleeping a full second.
var freezeDeadline = time.Second

// Freeze writes FROZEN to freezer.state and polls the read-back value
// until it matches or a 1s deadline expires, per spec.md §4.C. On
// timeout it returns a Transient error so callers can retry or abort.
func (c *Cgroup) Freeze() error {
	return c.setFreezerState(stateFrozen)
}

// Thaw is Freeze's symmetric counterpart, writing and polling for
// THAWED.
func (c *Cgroup) Thaw() error {
	return c.setFreezerState(stateThawed)
}

func (c *Cgroup) setFreezerState(want string) error {
	if err := c.SetKnob(freezerStateKnob, want, false); err != nil {
		return err
	}
	deadline := time.Now().Add(freezeDeadline)
	for {
		got, err := c.GetKnob(freezerStateKnob)
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.Transientf("Cgroup.setFreezerState", nil, c.mountpoint, want)
		}
		time.Sleep(freezePollPeriod)
	}
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
