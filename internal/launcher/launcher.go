package launcher

import (
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// DefaultStageTimeout is how long the parent waits for each stage's
// ack before giving up and killing the chain, spec.md §5's default of
// 60 seconds, mirroring the teacher's pipeTimeout constant (main.go).
const DefaultStageTimeout = 60 * time.Second

// Launcher starts a TaskEnv's multi-stage fork sequence and exposes
// the master child as a waitable Process, generalizing the teacher's
// createChildProcess/waitForChildReady/waitForChild trio (main.go)
// from a single fork to an arbitrary chain of stages.
type Launcher struct{}

// Process is the parent's handle on a launched task: the master
// child's *exec.Cmd, which the real kernel process tree holds
// responsible for reaping every further stage and propagating its
// final exit status, per spec.md §4.F ("the parent waitpids the
// master child").
type Process struct {
	Pid       int
	cmd       *exec.Cmd
	ptyMaster *os.File
}

// Wait blocks until the master child (and, transitively, the rest of
// the fork chain) exits, returning the same *exec.ExitError Go's
// os/exec already returns on a nonzero exit.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Signal delivers sig to the master child.
func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// ClosePTY releases the task's pseudo-terminal master, if one was
// allocated. Safe to call on a Process started without TTY.
func (p *Process) ClosePTY() error {
	if p.ptyMaster == nil {
		return nil
	}
	return p.ptyMaster.Close()
}

// Kill sends SIGKILL to the master child. It does not reach deeper
// stages directly: PR_SET_PDEATHSIG on the master together with the
// kernel's own process-tree teardown is relied on for that, matching
// the teacher's single cmd.Process.Kill() call on setup failure
// (waitForChild, main.go).
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// Start spawns the master child and blocks until every stage in the
// chain has reported its pid and been acked, or until one reports an
// error frame, or until env.StageTimeout elapses for any single
// stage — whichever comes first. On success the returned Process is
// ready for the container state machine to Wait() on. Start returns as
// soon as the final stage is acked; that stage then reopens stdio,
// drops capabilities, switches credential and execs env.Argv on its
// own, and a failure in those later steps is not reported to Start.
//
// onNetReady, if non-nil, runs once the master child's pid is known
// and its namespace unshare has definitely completed — the moment the
// parent observes the second stage's pid report, since that stage
// cannot exist unless runStage's unshare call already returned in the
// master. That is the only point at which host-side network setup
// (internal/netlinkmgr's veth/macvlan creation and ChangeLinkNs) can
// safely target the master's netns: any earlier and the master is
// still sitting in the host's own netns, so the move would silently
// land nowhere. onNetReady runs before this stage's "go" ack is sent,
// so by the time the final stage reaches its own network bring-up
// step, the host side is guaranteed to have already finished.
func (l *Launcher) Start(env *TaskEnv, onNetReady func(masterPid int) error) (*Process, error) {
	timeout := env.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	parentSock, childSock, err := socketPair()
	if err != nil {
		return nil, err
	}
	defer parentSock.Close()

	var ptyMaster *os.File
	stdin, stdout, stderr := os.Stdin, os.Stdout, os.Stderr
	if env.TTY {
		master, slave, err := allocatePTY()
		if err != nil {
			return nil, err
		}
		ptyMaster = master
		stdin, stdout, stderr = slave, slave, slave
		defer slave.Close()
	}

	cmd, err := spawnStage(StageMaster, env, childSock, true, stdin, stdout, stderr)
	childSock.Close()
	if err != nil {
		if ptyMaster != nil {
			ptyMaster.Close()
		}
		return nil, err
	}

	numStages := 2 + int(env.TriStage) // master + init, plus any reparent barriers
	for i := 0; i < numStages; i++ {
		frame, err := readFrameWithTimeout(parentSock, timeout)
		if err != nil {
			killAndReap(cmd)
			return nil, err
		}
		if frame.Errno != 0 {
			killAndReap(cmd)
			return nil, errs.Wrap(errs.Unknown, "Launcher.Start", nil, frame.Stage, frame.Message)
		}
		if i == 1 && onNetReady != nil {
			if err := onNetReady(cmd.Process.Pid); err != nil {
				killAndReap(cmd)
				return nil, err
			}
		}
		if err := WriteGo(parentSock); err != nil {
			killAndReap(cmd)
			return nil, err
		}
	}

	return &Process{Pid: cmd.Process.Pid, cmd: cmd, ptyMaster: ptyMaster}, nil
}

// readFrameWithTimeout mirrors the teacher's waitForChild
// (main.go): a goroutine does the blocking read, and a select races
// it against time.After so a hung or dead stage doesn't block Start
// forever.
func readFrameWithTimeout(conn *net.UnixConn, timeout time.Duration) (Frame, error) {
	type result struct {
		frame Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := ReadFrame(conn)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return Frame{}, errs.Wrap(errs.SocketError, "readFrameWithTimeout", r.err)
		}
		return r.frame, nil
	case <-time.After(timeout):
		return Frame{}, errs.SocketTimeoutf("readFrameWithTimeout", timeout)
	}
}

// killAndReap terminates a stage chain that failed or timed out and
// reaps it so it doesn't linger as a zombie, matching the teacher's
// cmd.Process.Kill() call in waitForChild (main.go).
func killAndReap(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

func socketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, errs.Wrap(errs.SocketError, "socketPair", err)
	}
	a, err := fdToUnixConn(fds[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := fdToUnixConn(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "sock")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, errs.Wrap(errs.SocketError, "fdToUnixConn", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errs.InvalidValuef("fdToUnixConn", "not a unix socket")
	}
	return uc, nil
}

func procAttrForStage(setsid bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: setsid}
}

func timeDurationFromNanos(n int64) time.Duration {
	return time.Duration(n)
}
