package netlinkmgr

import "testing"

func TestHTBClassAndFilterLifecycle(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if err := e.LinkUp("lo"); err != nil {
		t.Fatalf("LinkUp(lo): %v", err)
	}

	qdisc := NewTcHandle(1, 0)
	defaultClass := NewTcHandle(1, 1)
	if err := e.AddHTB("lo", qdisc, defaultClass); err != nil {
		t.Fatalf("AddHTB: %v", err)
	}
	t.Cleanup(func() { _ = e.RemoveHTB("lo", RootHandle) })

	class := NewTcHandle(1, 10)
	if err := e.AddClass("lo", qdisc, class, 1, 1_000_000, 2_000_000); err != nil {
		t.Fatalf("AddClass: %v", err)
	}

	props, err := e.GetClassProperties("lo", class)
	if err != nil {
		t.Fatalf("GetClassProperties: %v", err)
	}
	if props.Rate != 1_000_000 || props.Ceil != 2_000_000 {
		t.Errorf("GetClassProperties = %+v, want rate=1000000 ceil=2000000", props)
	}

	if err := e.AddCgroupFilter("lo", qdisc, class); err != nil {
		t.Fatalf("AddCgroupFilter: %v", err)
	}
	if err := e.RemoveCgroupFilter("lo", qdisc); err != nil {
		t.Fatalf("RemoveCgroupFilter: %v", err)
	}
	if err := e.RemoveClass("lo", qdisc, class); err != nil {
		t.Fatalf("RemoveClass: %v", err)
	}
}

func TestGetStatOnUnknownClass(t *testing.T) {
	requireNetAdmin(t)
	isolateNetns(t)

	e := NewEngine()
	if err := e.LinkUp("lo"); err != nil {
		t.Fatalf("LinkUp(lo): %v", err)
	}
	if _, err := e.GetStat("lo", NewTcHandle(1, 99), StatBytes); err == nil {
		t.Fatal("expected an error reading stats for a class that was never created")
	}
}

func TestSetupHostNoopWithoutNewNetnsMode(t *testing.T) {
	e := NewEngine()
	cfg := NetConfig{Mode: ModeInherit, Veth: []VethSpec{{HostName: "unused", PeerName: "unused-p"}}}
	if err := e.SetupHost(cfg, 1, nil); err != nil {
		t.Fatalf("SetupHost with ModeInherit should skip link creation entirely: %v", err)
	}
}

func TestEEXISTDetection(t *testing.T) {
	if isEEXIST(nil) {
		t.Error("nil error should never be EEXIST")
	}
}
