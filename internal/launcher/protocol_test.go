package launcher

import (
	"net"
	"testing"
)

func socketPairForTest(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := socketPair()
	if err != nil {
		t.Fatalf("socketPair: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := socketPairForTest(t)

	want := Frame{Stage: StageInit, Errno: 0, Message: "4242"}
	done := make(chan error, 1)
	go func() { done <- WriteFrame(a, want) }()

	got, err := ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFrameRoundTripErrorFrame(t *testing.T) {
	a, b := socketPairForTest(t)

	want := Frame{Stage: StageReparent1, Errno: 7, Message: "mount failed: no such device"}
	go func() { _ = WriteFrame(a, want) }()

	got, err := ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGoAckRoundTrip(t *testing.T) {
	a, b := socketPairForTest(t)

	go func() {
		if err := WriteGo(a); err != nil {
			t.Errorf("WriteGo: %v", err)
		}
	}()
	if err := ReadGo(b); err != nil {
		t.Fatalf("ReadGo: %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	a, b := socketPairForTest(t)

	go func() {
		var lenBuf [4]byte
		lenBuf[0] = 0x7f // far beyond the 1<<20 cap
		_, _ = a.Write(lenBuf[:])
	}()

	if _, err := ReadFrame(b); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}

func TestReadGoRejectsWrongByte(t *testing.T) {
	a, b := socketPairForTest(t)

	go func() { _, _ = a.Write([]byte{'x'}) }()

	if err := ReadGo(b); err == nil {
		t.Fatal("expected an error for a non-'g' ack byte")
	}
}
