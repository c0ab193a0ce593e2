package netlinkmgr

import "testing"

func TestTcHandleRoundTrip(t *testing.T) {
	cases := []struct {
		major, minor uint16
	}{
		{0, 0},
		{1, 1},
		{0xffff, 0},
		{0x1234, 0xabcd},
		{1, 42},
	}
	for _, c := range cases {
		h := NewTcHandle(c.major, c.minor)
		if h.Major() != c.major {
			t.Errorf("NewTcHandle(%x,%x).Major() = %x, want %x", c.major, c.minor, h.Major(), c.major)
		}
		if h.Minor() != c.minor {
			t.Errorf("NewTcHandle(%x,%x).Minor() = %x, want %x", c.major, c.minor, h.Minor(), c.minor)
		}
	}
}

func TestRootHandle(t *testing.T) {
	if RootHandle.Major() != 0xffff {
		t.Errorf("RootHandle.Major() = %x, want ffff", RootHandle.Major())
	}
	if RootHandle.Minor() != 0 {
		t.Errorf("RootHandle.Minor() = %x, want 0", RootHandle.Minor())
	}
}

func TestTcHandleString(t *testing.T) {
	h := NewTcHandle(1, 10)
	if got, want := h.String(), "1:a"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
