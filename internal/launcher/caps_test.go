package launcher

import "testing"

func TestCapSetFromNamesSetsAllThreeWords(t *testing.T) {
	set, err := CapSetFromNames([]string{"CHOWN", "NET_BIND_SERVICE"})
	if err != nil {
		t.Fatalf("CapSetFromNames: %v", err)
	}

	chownBit := uint64(1) << uint(CapabilityMap["CHOWN"])
	netBindBit := uint64(1) << uint(CapabilityMap["NET_BIND_SERVICE"])
	want := chownBit | netBindBit

	if set.Effective != want || set.Permitted != want || set.Inheritable != want {
		t.Fatalf("got %+v, want all three words == %#x", set, want)
	}
}

func TestCapSetFromNamesUnknownName(t *testing.T) {
	if _, err := CapSetFromNames([]string{"NOT_A_REAL_CAP"}); err == nil {
		t.Fatal("expected an error for an unknown capability name")
	}
}

func TestCapSetFromNamesEmpty(t *testing.T) {
	set, err := CapSetFromNames(nil)
	if err != nil {
		t.Fatalf("CapSetFromNames: %v", err)
	}
	if set != (CapSet{}) {
		t.Fatalf("got %+v, want zero value", set)
	}
}

func TestCapabilityMapHasNoOverlappingBits(t *testing.T) {
	seen := map[int]string{}
	for name, bit := range CapabilityMap {
		if other, ok := seen[bit]; ok {
			t.Fatalf("capability bit %d claimed by both %q and %q", bit, name, other)
		}
		seen[bit] = name
		if bit < 0 || bit >= 64 {
			t.Fatalf("capability %q has out-of-range bit %d", name, bit)
		}
	}
}
