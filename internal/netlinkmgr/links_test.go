package netlinkmgr

import (
	"errors"
	"net"
	"os"
	"runtime"
	"testing"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// requireNetAdmin skips tests that create or move real links unless
// running as root, mirroring how github.com/vishvananda/netlink's own
// test suite skips rather than fails under an unprivileged runner.
func requireNetAdmin(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root (CAP_NET_ADMIN) to create or move links")
	}
}

// isolateNetns unshares the calling goroutine's OS thread into a
// throwaway network namespace so link creation in these tests never
// touches the host's own interfaces.
func isolateNetns(t *testing.T) {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
		t.Fatalf("unshare(CLONE_NEWNET): %v", err)
	}
}

func TestAddVethCreatesBothEnds(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	spec := VethSpec{HostName: "tveth0", PeerName: "tveth0p"}
	if err := e.AddVeth(spec); err != nil {
		t.Fatalf("AddVeth: %v", err)
	}
	t.Cleanup(func() { _ = e.RemoveLink(spec.HostName) })

	if _, err := netlink.LinkByName(spec.HostName); err != nil {
		t.Fatalf("host side missing: %v", err)
	}
	if _, err := netlink.LinkByName(spec.PeerName); err != nil {
		t.Fatalf("peer side missing: %v", err)
	}
}

func TestRenameLinkAppliesNewName(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if err := e.AddVeth(VethSpec{HostName: "tveth1", PeerName: "tveth1p"}); err != nil {
		t.Fatalf("AddVeth: %v", err)
	}
	t.Cleanup(func() { _ = e.RemoveLink("tveth1") })

	if err := e.RenameLink("tveth1p", "tveth1renamed"); err != nil {
		t.Fatalf("RenameLink: %v", err)
	}
	if _, err := netlink.LinkByName("tveth1renamed"); err != nil {
		t.Fatalf("renamed link missing: %v", err)
	}
	if _, err := netlink.LinkByName("tveth1p"); err == nil {
		t.Fatal("old name should no longer resolve")
	}
}

func TestLinkUpAndRemoveLinkIdempotent(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if err := e.AddVeth(VethSpec{HostName: "tveth2", PeerName: "tveth2p"}); err != nil {
		t.Fatalf("AddVeth: %v", err)
	}
	if err := e.LinkUp("tveth2"); err != nil {
		t.Fatalf("LinkUp: %v", err)
	}
	if err := e.RemoveLink("tveth2"); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	if err := e.RemoveLink("tveth2"); err != nil {
		t.Fatalf("RemoveLink on an already-gone link should be a no-op: %v", err)
	}
}

func TestAddAddrAndRoute(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if err := e.LinkUp("lo"); err != nil {
		t.Fatalf("LinkUp(lo): %v", err)
	}
	addr := AddrSpec{Iface: "lo", Addr: net.ParseIP("127.0.0.5"), Prefix: 8}
	if err := e.AddAddr(addr); err != nil {
		t.Fatalf("AddAddr: %v", err)
	}
	if err := e.AddAddr(addr); err != nil {
		t.Fatalf("AddAddr should tolerate a duplicate: %v", err)
	}
}

func TestFindDevNoCandidates(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if _, err := e.FindDev(""); err == nil {
		t.Fatal("expected an error in a namespace with only lo")
	}
}

func TestFindDevValidatesNamedDevice(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if _, err := e.FindDev("lo"); err != nil {
		t.Fatalf("FindDev(lo): %v", err)
	}
	if _, err := e.FindDev("doesnotexist0"); err == nil {
		t.Fatal("expected an error for a nonexistent device")
	}
}

func TestIsNotExist(t *testing.T) {
	if !isNotExist(errors.New("Link not found")) {
		t.Error("expected \"Link not found\" to be recognized")
	}
	if isNotExist(errors.New("permission denied")) {
		t.Error("unexpected match on unrelated error")
	}
}

func TestIsExistErr(t *testing.T) {
	if !isExistErr(errors.New("file exists")) {
		t.Error("expected \"file exists\" to be recognized")
	}
	if isExistErr(errors.New("not found")) {
		t.Error("unexpected match on unrelated error")
	}
}

func TestMacvlanModeMapping(t *testing.T) {
	cases := map[string]netlink.MacvlanMode{
		"":        netlink.MACVLAN_MODE_BRIDGE,
		"bridge":  netlink.MACVLAN_MODE_BRIDGE,
		"vepa":    netlink.MACVLAN_MODE_VEPA,
		"private": netlink.MACVLAN_MODE_PRIVATE,
		"passthru": netlink.MACVLAN_MODE_PASSTHRU,
	}
	for in, want := range cases {
		got, err := macvlanMode(in)
		if err != nil {
			t.Errorf("macvlanMode(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("macvlanMode(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := macvlanMode("bogus"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestIpvlanModeMapping(t *testing.T) {
	cases := map[string]netlink.IPVlanMode{
		"":   netlink.IPVLAN_MODE_L2,
		"l2": netlink.IPVLAN_MODE_L2,
		"l3": netlink.IPVLAN_MODE_L3,
		"l3s": netlink.IPVLAN_MODE_L3S,
	}
	for in, want := range cases {
		got, err := ipvlanMode(in)
		if err != nil {
			t.Errorf("ipvlanMode(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ipvlanMode(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ipvlanMode("bogus"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}
