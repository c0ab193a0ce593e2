package launcher

import "testing"

func TestAllocatePTYOpensAMasterAndSlavePair(t *testing.T) {
	master, slave, err := allocatePTY()
	if err != nil {
		t.Fatalf("allocatePTY: %v", err)
	}
	defer master.Close()
	defer slave.Close()

	if master.Fd() == slave.Fd() {
		t.Fatal("master and slave should be distinct descriptors")
	}
}

func TestProcessResizeIsNoopWithoutPTY(t *testing.T) {
	p := &Process{}
	if err := p.Resize(24, 80); err != nil {
		t.Fatalf("Resize on a non-TTY process should be a no-op, got: %v", err)
	}
}

func TestProcessClosePTYIsNoopWithoutPTY(t *testing.T) {
	p := &Process{}
	if err := p.ClosePTY(); err != nil {
		t.Fatalf("ClosePTY on a non-TTY process should be a no-op, got: %v", err)
	}
}

func TestProcessResizeAppliesToAllocatedPTY(t *testing.T) {
	master, slave, err := allocatePTY()
	if err != nil {
		t.Fatalf("allocatePTY: %v", err)
	}
	defer slave.Close()
	p := &Process{ptyMaster: master}
	defer p.ClosePTY()

	if err := p.Resize(40, 120); err != nil {
		t.Fatalf("Resize: %v", err)
	}
}
