// Package netlinkmgr implements the netlink engine component: link
// discovery and creation (veth/macvlan/ipvlan), moving links across
// network namespaces, HTB bandwidth shaping with a cgroup classifier
// filter, and class statistics. Grounded on the teacher's
// container.go network setup sequence (bridge/veth/macvlan creation,
// LinkSetNsPid, address/route assignment) using
// github.com/vishvananda/netlink throughout.
package netlinkmgr

// TcHandle is a 32-bit traffic-control handle: major in the high 16
// bits, minor in the low 16, per spec.md §4.D.
type TcHandle uint32

// RootHandle is the conventional root qdisc handle, major 0xFFFF
// minor 0.
const RootHandle TcHandle = 0xFFFF0000

// NewTcHandle packs a major/minor pair into a TcHandle.
func NewTcHandle(major, minor uint16) TcHandle {
	return TcHandle(uint32(major)<<16 | uint32(minor))
}

// Major returns the handle's high 16 bits.
func (h TcHandle) Major() uint16 { return uint16(uint32(h) >> 16) }

// Minor returns the handle's low 16 bits.
func (h TcHandle) Minor() uint16 { return uint16(uint32(h) & 0xffff) }

func (h TcHandle) String() string {
	return formatHex(uint32(h.Major())) + ":" + formatHex(uint32(h.Minor()))
}

func formatHex(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return string(buf[i:])
}
