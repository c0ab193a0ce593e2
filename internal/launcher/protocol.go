package launcher

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"containerforge/internal/errs"
)

// Stage names the fork stage an ErrorFrame or pid report came from,
// spec.md §4.F / §6's "{stage, errno, message}" wire format.
type Stage string

const (
	StageMaster    Stage = "master"
	StageInit      Stage = "init"
	StageReparent1 Stage = "reparent1"
	StageReparent2 Stage = "reparent2"
)

// Frame is one message on the parent/child socket: either a pid
// report (Message holds the decimal pid, Errno zero) or an error
// frame (Errno nonzero, Message human-readable), per spec.md §6's
// "Error wire format" generalized to also carry pid-ready reports,
// since the same socket multiplexes both per spec.md §4.F ("Each
// stage reports its pid back to the parent over the socket").
type Frame struct {
	Stage   Stage  `json:"stage"`
	Errno   int32  `json:"errno"`
	Message string `json:"message"`
}

// WriteFrame sends a length-prefixed JSON frame, matching the
// teacher's sync-pipe framing in main.go's sendError closure
// generalized from a bare write to a length-prefixed one so multiple
// frames can share one long-lived socket instead of one-shot pipes.
func WriteFrame(conn *net.UnixConn, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.SocketError, "WriteFrame", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.SocketError, "WriteFrame", err)
	}
	if _, err := conn.Write(body); err != nil {
		return errs.Wrap(errs.SocketError, "WriteFrame", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame.
func ReadFrame(conn *net.UnixConn) (Frame, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return Frame{}, errs.Wrap(errs.SocketError, "ReadFrame", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 1<<20 {
		return Frame{}, errs.InvalidValuef("ReadFrame", fmt.Sprintf("frame length %d out of range", n))
	}
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		return Frame{}, errs.Wrap(errs.SocketError, "ReadFrame", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, errs.Wrap(errs.SocketError, "ReadFrame", err)
	}
	return f, nil
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// WriteGo sends the single-byte "go" ack the parent writes after
// receiving a stage's pid report, spec.md §4.F's "waits for an
// explicit 'go' byte before proceeding".
func WriteGo(conn *net.UnixConn) error {
	if _, err := conn.Write([]byte{'g'}); err != nil {
		return errs.Wrap(errs.SocketError, "WriteGo", err)
	}
	return nil
}

// ReadGo blocks for the single "go" byte.
func ReadGo(conn *net.UnixConn) error {
	var b [1]byte
	if _, err := readFull(conn, b[:]); err != nil {
		return errs.Wrap(errs.SocketError, "ReadGo", err)
	}
	if b[0] != 'g' {
		return errs.SocketErrorf("ReadGo", nil, "unexpected byte", b[0])
	}
	return nil
}
