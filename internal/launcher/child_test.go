package launcher

import "testing"

func TestIsFinalStageDoubleFork(t *testing.T) {
	env := &TaskEnv{TriStage: StageCountDouble}
	if isFinalStage(StageMaster, env) {
		t.Fatal("master should not be final in a double fork")
	}
	if !isFinalStage(StageInit, env) {
		t.Fatal("init should be final in a double fork")
	}
}

func TestIsFinalStageTripleFork(t *testing.T) {
	env := &TaskEnv{TriStage: StageCountTriple}
	if isFinalStage(StageInit, env) {
		t.Fatal("init should not be final in a triple fork")
	}
	if !isFinalStage(StageReparent1, env) {
		t.Fatal("reparent1 should be final in a triple fork")
	}
}

func TestIsFinalStageQuadroFork(t *testing.T) {
	env := &TaskEnv{TriStage: StageCountQuadro}
	if isFinalStage(StageReparent1, env) {
		t.Fatal("reparent1 should not be final in a quadro fork")
	}
	if !isFinalStage(StageReparent2, env) {
		t.Fatal("reparent2 should be final in a quadro fork")
	}
}

func TestNextStageChain(t *testing.T) {
	env := &TaskEnv{}
	if got := nextStage(StageMaster, env); got != StageInit {
		t.Fatalf("got %v, want init", got)
	}
	if got := nextStage(StageInit, env); got != StageReparent1 {
		t.Fatalf("got %v, want reparent1", got)
	}
	if got := nextStage(StageReparent1, env); got != StageReparent2 {
		t.Fatalf("got %v, want reparent2", got)
	}
}

func TestItoaPid(t *testing.T) {
	cases := map[int]string{0: "0", 1: "1", 42: "42", 123456: "123456"}
	for in, want := range cases {
		if got := itoaPid(in); got != want {
			t.Fatalf("itoaPid(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestNsSnapshotIsEmpty(t *testing.T) {
	if !(NsSnapshot{}).isEmpty() {
		t.Fatal("zero value NsSnapshot should be empty")
	}
	if (NsSnapshot{Net: "/proc/123/ns/net"}).isEmpty() {
		t.Fatal("NsSnapshot with a Net path set should not be empty")
	}
}
