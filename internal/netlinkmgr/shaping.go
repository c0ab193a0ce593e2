package netlinkmgr

import (
	"github.com/vishvananda/netlink"

	"containerforge/internal/errs"
)

// cgroupFilterPriority is the fixed priority spec.md §4.D assigns the
// cgroup classifier filter.
const cgroupFilterPriority = 10

// Stat names one of the four counters spec.md §4.D exposes per class.
type Stat int

const (
	StatPackets Stat = iota
	StatBytes
	StatDrops
	StatOverlimits
)

// AddHTB installs a root HTB qdisc on link, with defaultClass as the
// class traffic falls into when no filter matches.
func (e *Engine) AddHTB(linkName string, handle TcHandle, defaultClass TcHandle) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddHTB", err, linkName)
	}
	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    uint32(handle),
		Parent:    netlink.HANDLE_ROOT,
	})
	qdisc.Defcls = uint32(defaultClass.Minor())
	if err := netlink.QdiscAdd(qdisc); err != nil {
		return errs.Wrap(errs.Unknown, "AddHTB", err, linkName, handle.String())
	}
	return nil
}

// RemoveHTB removes the HTB qdisc at the given parent (typically root)
// from link. EBUSY retries per spec.md §4.D.
func (e *Engine) RemoveHTB(linkName string, parent TcHandle) error {
	return retryRemove(func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return errs.Wrap(errs.Unknown, "RemoveHTB", err, linkName)
		}
		qdisc := netlink.NewHtb(netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    uint32(parent),
		})
		if err := netlink.QdiscDel(qdisc); err != nil {
			return wrapRemoveErr("RemoveHTB", err, linkName)
		}
		return nil
	})
}

// AddClass creates an HTB class under parent with handle, priority
// prio, and rate/ceil in bytes/sec.
func (e *Engine) AddClass(linkName string, parent, handle TcHandle, prio uint32, rate, ceil uint64) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddClass", err, linkName)
	}
	class := netlink.NewHtbClass(
		netlink.ClassAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    uint32(parent),
			Handle:    uint32(handle),
		},
		netlink.HtbClassAttrs{
			Rate:    rate,
			Ceil:    ceil,
			Buffer:  uint32(rate / 10),
			Cbuffer: uint32(ceil / 10),
			Prio:    prio,
		},
	)
	if err := netlink.ClassAdd(class); err != nil {
		return errs.Wrap(errs.Unknown, "AddClass", err, linkName, handle.String())
	}
	return nil
}

// RemoveClass deletes the class identified by handle. EBUSY retries
// per spec.md §4.D.
func (e *Engine) RemoveClass(linkName string, parent, handle TcHandle) error {
	return retryRemove(func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return errs.Wrap(errs.Unknown, "RemoveClass", err, linkName)
		}
		class := netlink.NewHtbClass(
			netlink.ClassAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    uint32(parent),
				Handle:    uint32(handle),
			},
			netlink.HtbClassAttrs{},
		)
		if err := netlink.ClassDel(class); err != nil {
			return wrapRemoveErr("RemoveClass", err, linkName, handle.String())
		}
		return nil
	})
}

// ClassProperties is the (prio, rate, ceil) tuple spec.md's
// get_class_properties returns.
type ClassProperties struct {
	Prio uint32
	Rate uint64
	Ceil uint64
}

// GetClassProperties reads back an HTB class's configured priority,
// rate and ceiling.
func (e *Engine) GetClassProperties(linkName string, handle TcHandle) (ClassProperties, error) {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return ClassProperties{}, errs.Wrap(errs.NotFound, "GetClassProperties", err, linkName)
	}
	classes, err := netlink.ClassList(link, 0)
	if err != nil {
		return ClassProperties{}, errs.Wrap(errs.Unknown, "GetClassProperties", err, linkName)
	}
	for _, c := range classes {
		htb, ok := c.(*netlink.HtbClass)
		if !ok || htb.Handle != uint32(handle) {
			continue
		}
		return ClassProperties{Prio: htb.Prio, Rate: htb.Rate, Ceil: htb.Ceil}, nil
	}
	return ClassProperties{}, errs.NotFoundf("GetClassProperties", nil, linkName, handle.String())
}

// GetStat reads one of the four counters spec.md §4.D names for the
// class identified by handle.
func (e *Engine) GetStat(linkName string, handle TcHandle, stat Stat) (uint64, error) {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return 0, errs.Wrap(errs.NotFound, "GetStat", err, linkName)
	}
	classes, err := netlink.ClassList(link, 0)
	if err != nil {
		return 0, errs.Wrap(errs.Unknown, "GetStat", err, linkName)
	}
	for _, c := range classes {
		attrs := c.Attrs()
		if attrs.Handle != uint32(handle) {
			continue
		}
		stats := attrs.Statistics
		if stats == nil {
			return 0, errs.NotFoundf("GetStat", nil, linkName, handle.String())
		}
		switch stat {
		case StatPackets:
			return uint64(stats.Basic.Packets), nil
		case StatBytes:
			return stats.Basic.Bytes, nil
		case StatDrops:
			return uint64(stats.Queue.Drops), nil
		case StatOverlimits:
			return uint64(stats.Queue.Overlimits), nil
		default:
			return 0, errs.InvalidValuef("GetStat", stat)
		}
	}
	return 0, errs.NotFoundf("GetStat", nil, linkName, handle.String())
}

// AddCgroupFilter installs a filter of type "cgroup" at priority 10
// under parent, classifying by a packet's net_cls.classid into
// handle's class, per spec.md §4.D.
func (e *Engine) AddCgroupFilter(linkName string, parent, handle TcHandle) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddCgroupFilter", err, linkName)
	}
	filter := &netlink.Cgroup{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    uint32(parent),
			Priority:  cgroupFilterPriority,
			Protocol:  unixETHPALL,
		},
		ClassId: uint32(handle),
	}
	if err := netlink.FilterAdd(filter); err != nil {
		return errs.Wrap(errs.Unknown, "AddCgroupFilter", err, linkName, handle.String())
	}
	return nil
}

// RemoveCgroupFilter removes the cgroup classifier filter installed
// by AddCgroupFilter.
func (e *Engine) RemoveCgroupFilter(linkName string, parent TcHandle) error {
	return retryRemove(func() error {
		link, err := netlink.LinkByName(linkName)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return errs.Wrap(errs.Unknown, "RemoveCgroupFilter", err, linkName)
		}
		filters, err := netlink.FilterList(link, uint32(parent))
		if err != nil {
			return errs.Wrap(errs.Unknown, "RemoveCgroupFilter", err, linkName)
		}
		for _, f := range filters {
			cg, ok := f.(*netlink.Cgroup)
			if !ok {
				continue
			}
			if err := netlink.FilterDel(cg); err != nil {
				return wrapRemoveErr("RemoveCgroupFilter", err, linkName)
			}
		}
		return nil
	})
}

// unixETHPALL is ETH_P_ALL in host byte order (netlink converts it to
// network order when it builds the filter message), the protocol value
// tc filters bind to when they should match every packet.
const unixETHPALL = 0x0003
