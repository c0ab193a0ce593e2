package netlinkmgr

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"

	"containerforge/internal/errs"
)

// Engine is a netlink session operating over a single netlink socket.
// Every method here binds implicitly to the current network namespace
// the calling goroutine's OS thread is in; the host-side steps (veth/
// macvlan creation, moving a link into a container's netns) run from
// the parent's namespace, while the steps that must run inside the
// container's own netns (rename, address/route assignment) are done by
// the launcher's child workflow after it has already unshared or
// entered that namespace, matching the teacher's pattern of doing
// network setup from inside the forked child for the "new netns" case
// and from the parent for bridge/veth host-side setup.
type Engine struct{}

// NewEngine returns a netlink engine bound to whichever namespace the
// calling thread currently has open.
func NewEngine() *Engine { return &Engine{} }

// FindDev returns the single non-loopback up link when device is
// empty; otherwise it validates that device exists and returns it.
func (e *Engine) FindDev(device string) (netlink.Link, error) {
	if device != "" {
		link, err := netlink.LinkByName(device)
		if err != nil {
			return nil, errs.Wrap(errs.NotFound, "FindDev", err, device)
		}
		return link, nil
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "FindDev", err)
	}
	var candidates []netlink.Link
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Name == "lo" {
			continue
		}
		if attrs.OperState != netlink.OperUp {
			continue
		}
		candidates = append(candidates, l)
	}
	switch len(candidates) {
	case 0:
		return nil, errs.NotFoundf("FindDev", nil, "no non-loopback up link")
	case 1:
		return candidates[0], nil
	default:
		names := make([]string, len(candidates))
		for i, l := range candidates {
			names[i] = l.Attrs().Name
		}
		return nil, errs.InvalidValuef("FindDev", "ambiguous: "+strings.Join(names, ","))
	}
}

// AddVeth creates a veth pair per spec.VethSpec: the host-side end,
// attached to Bridge if non-empty, and the peer end left in the
// current namespace for the caller to move.
func (e *Engine) AddVeth(spec VethSpec) error {
	attrs := netlink.LinkAttrs{Name: spec.HostName, MTU: spec.MTU}
	if spec.HWAddr != nil {
		attrs.HardwareAddr = spec.HWAddr
	}
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: spec.PeerName}
	if err := netlink.LinkAdd(veth); err != nil {
		return errs.Wrap(errs.Unknown, "AddVeth", err, spec.HostName, spec.PeerName)
	}

	if spec.Bridge != "" {
		br, err := netlink.LinkByName(spec.Bridge)
		if err != nil {
			return errs.Wrap(errs.NotFound, "AddVeth", err, spec.Bridge)
		}
		hostSide, err := netlink.LinkByName(spec.HostName)
		if err != nil {
			return errs.Wrap(errs.Unknown, "AddVeth", err, spec.HostName)
		}
		if err := netlink.LinkSetMaster(hostSide, br); err != nil {
			return errs.Wrap(errs.Unknown, "AddVeth(master)", err, spec.HostName, spec.Bridge)
		}
		if err := netlink.LinkSetUp(hostSide); err != nil {
			return errs.Wrap(errs.Unknown, "AddVeth(up)", err, spec.HostName)
		}
	}
	return nil
}

// AddMacvlan creates a macvlan sub-interface of spec.MasterName.
func (e *Engine) AddMacvlan(spec MacvlanSpec) error {
	master, err := netlink.LinkByName(spec.MasterName)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddMacvlan", err, spec.MasterName)
	}
	mode, err := macvlanMode(spec.Mode)
	if err != nil {
		return err
	}
	mv := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        spec.DesiredName,
			ParentIndex: master.Attrs().Index,
			MTU:         spec.MTU,
		},
		Mode: mode,
	}
	if spec.HWAddr != nil {
		mv.LinkAttrs.HardwareAddr = spec.HWAddr
	}
	if err := netlink.LinkAdd(mv); err != nil {
		return errs.Wrap(errs.Unknown, "AddMacvlan", err, spec.DesiredName)
	}
	return nil
}

func macvlanMode(mode string) (netlink.MacvlanMode, error) {
	switch mode {
	case "", "bridge":
		return netlink.MACVLAN_MODE_BRIDGE, nil
	case "vepa":
		return netlink.MACVLAN_MODE_VEPA, nil
	case "private":
		return netlink.MACVLAN_MODE_PRIVATE, nil
	case "passthru":
		return netlink.MACVLAN_MODE_PASSTHRU, nil
	default:
		return 0, errs.InvalidValuef("macvlanMode", mode)
	}
}

// AddIpvlan creates an ipvlan sub-interface of spec.MasterName.
func (e *Engine) AddIpvlan(spec IpvlanSpec) error {
	master, err := netlink.LinkByName(spec.MasterName)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddIpvlan", err, spec.MasterName)
	}
	mode, err := ipvlanMode(spec.Mode)
	if err != nil {
		return err
	}
	iv := &netlink.IPVlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        spec.DesiredName,
			ParentIndex: master.Attrs().Index,
			MTU:         spec.MTU,
		},
		Mode: mode,
	}
	if err := netlink.LinkAdd(iv); err != nil {
		return errs.Wrap(errs.Unknown, "AddIpvlan", err, spec.DesiredName)
	}
	return nil
}

func ipvlanMode(mode string) (netlink.IPVlanMode, error) {
	switch mode {
	case "", "l2":
		return netlink.IPVLAN_MODE_L2, nil
	case "l3":
		return netlink.IPVLAN_MODE_L3, nil
	case "l3s":
		return netlink.IPVLAN_MODE_L3S, nil
	default:
		return 0, errs.InvalidValuef("ipvlanMode", mode)
	}
}

// RemoveLink deletes the named link. Retries on EBUSY per spec.md
// §4.D: "Retries on EBUSY happen at this layer for remove operations
// only."
func (e *Engine) RemoveLink(name string) error {
	return retryRemove(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return errs.Wrap(errs.Unknown, "RemoveLink", err, name)
		}
		if err := netlink.LinkDel(link); err != nil {
			return wrapRemoveErr("RemoveLink", err, name)
		}
		return nil
	})
}

// LinkUp brings the named link up.
func (e *Engine) LinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errs.Wrap(errs.NotFound, "LinkUp", err, name)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errs.Wrap(errs.Unknown, "LinkUp", err, name)
	}
	return nil
}

// ChangeLinkNs moves name into the network namespace of targetPid. It
// only performs the move; the rename and address/route setup are done
// afterward from inside the target namespace by the launcher's child
// workflow (with ip(8)), matching the teacher's "move, then configure
// from inside" sequence.
func (e *Engine) ChangeLinkNs(name string, targetPid int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errs.Wrap(errs.NotFound, "ChangeLinkNs", err, name)
	}
	if err := netlink.LinkSetNsPid(link, targetPid); err != nil {
		return errs.Wrap(errs.Unknown, "ChangeLinkNs", err, name, targetPid)
	}
	return nil
}

// RenameLink renames a link, called from inside the namespace that
// now owns it.
func (e *Engine) RenameLink(oldName, newName string) error {
	link, err := netlink.LinkByName(oldName)
	if err != nil {
		return errs.Wrap(errs.NotFound, "RenameLink", err, oldName)
	}
	if err := netlink.LinkSetName(link, newName); err != nil {
		return errs.Wrap(errs.Unknown, "RenameLink", err, oldName, newName)
	}
	return nil
}

// AddAddr assigns addr to the named link.
func (e *Engine) AddAddr(spec AddrSpec) error {
	link, err := netlink.LinkByName(spec.Iface)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddAddr", err, spec.Iface)
	}
	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", spec.Addr, spec.Prefix))
	if err != nil {
		return errs.InvalidValuef("AddAddr", spec.Addr, spec.Prefix)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !isExistErr(err) {
		return errs.Wrap(errs.Unknown, "AddAddr", err, spec.Iface, addr.String())
	}
	return nil
}

// AddRoute installs a default route via Gw on the named link.
func (e *Engine) AddRoute(spec RouteSpec) error {
	link, err := netlink.LinkByName(spec.Iface)
	if err != nil {
		return errs.Wrap(errs.NotFound, "AddRoute", err, spec.Iface)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: spec.Gw}
	if err := netlink.RouteAdd(route); err != nil && !isExistErr(err) {
		return errs.Wrap(errs.Unknown, "AddRoute", err, spec.Iface, spec.Gw.String())
	}
	return nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "Link not found") || strings.Contains(err.Error(), "no such")
}

func isExistErr(err error) bool {
	return strings.Contains(err.Error(), "file exists")
}
