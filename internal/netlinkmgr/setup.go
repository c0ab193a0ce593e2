package netlinkmgr

import (
	"syscall"

	"containerforge/internal/errs"
)

// ShapingSpec configures one container's egress bandwidth class on a
// host-facing link, spec.md §4.D's "per container a class under [the
// root HTB qdisc]; a cgroup-type filter binds packets tagged with
// net_cls.classid to the container class."
type ShapingSpec struct {
	LinkName     string
	RootHandle   TcHandle
	DefaultClass TcHandle
	ClassHandle  TcHandle
	Prio         uint32
	RateBps      uint64
	CeilBps      uint64
}

// SetupHost performs the parent-namespace half of spec.md §4.D's
// network setup sequence: create the links NetConfig describes and
// move the container-bound end of each into targetPid's network
// namespace. The rename, address and route assignment steps run from
// inside that namespace instead (internal/launcher's bringUpNetwork),
// since a rename issued from the host cannot target a link that has
// already moved.
//
// Callers must only invoke this once targetPid has already unshared
// its own network namespace — moving a link into a pid still sitting
// in the host netns is a silent no-op that leaves the link exactly
// where it already was.
func (e *Engine) SetupHost(cfg NetConfig, targetPid int, shaping *ShapingSpec) error {
	if cfg.Mode == ModeNew {
		for _, v := range cfg.Veth {
			if err := e.AddVeth(v); err != nil {
				return err
			}
			if err := e.ChangeLinkNs(v.PeerName, targetPid); err != nil {
				return err
			}
		}
		for _, m := range cfg.Macvlan {
			if err := e.AddMacvlan(m); err != nil {
				return err
			}
			if err := e.ChangeLinkNs(m.DesiredName, targetPid); err != nil {
				return err
			}
		}
		for _, iv := range cfg.Ipvlan {
			if err := e.AddIpvlan(iv); err != nil {
				return err
			}
			if err := e.ChangeLinkNs(iv.DesiredName, targetPid); err != nil {
				return err
			}
		}
		for _, h := range cfg.HostIfaceMove {
			if err := e.ChangeLinkNs(h.MasterName, targetPid); err != nil {
				return err
			}
		}
	}

	if shaping == nil {
		return nil
	}
	return e.setupShaping(*shaping)
}

// setupShaping installs the root HTB qdisc (idempotent: a second
// container sharing the same host link must not fail because the
// qdisc is already there), this container's class beneath it, and the
// cgroup classifier filter that steers its traffic into that class.
func (e *Engine) setupShaping(s ShapingSpec) error {
	if err := e.AddHTB(s.LinkName, s.RootHandle, s.DefaultClass); err != nil && !isEEXIST(err) {
		return err
	}
	if err := e.AddClass(s.LinkName, s.RootHandle, s.ClassHandle, s.Prio, s.RateBps, s.CeilBps); err != nil {
		return err
	}
	return e.AddCgroupFilter(s.LinkName, s.RootHandle, s.ClassHandle)
}

// TeardownShaping removes a single container's class and filter,
// leaving the shared root HTB qdisc in place for the other containers
// still using it.
func (e *Engine) TeardownShaping(s ShapingSpec) error {
	if err := e.RemoveCgroupFilter(s.LinkName, s.RootHandle); err != nil {
		return err
	}
	return e.RemoveClass(s.LinkName, s.RootHandle, s.ClassHandle)
}

func isEEXIST(err error) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Errno == syscall.EEXIST
}
