package launcher

import (
	"encoding/gob"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// envFD is fd 3 of a re-exec'd stage process: the read end of the
// pipe spawnStage uses to hand over the gob-encoded TaskEnv, threaded
// through exec.Cmd.ExtraFiles exactly the way the teacher threads its
// sync pipe through ExtraFiles in createChildProcess (main.go), only
// carrying the full task environment instead of a bare ready signal.
// sockFD, fd 4, carries the forwarded control socket.
const (
	envFD  = 3
	sockFD = 4
)

// RunStage is the entry point cmd/gophertainerd's main() dispatches to
// when os.Args names a launcher stage, generalizing the teacher's
// `if os.Args[1] == "child"` branch in main.go to the stage names this
// launcher's re-exec chain can carry.
func RunStage(stage Stage) {
	env, sock, err := recvTaskEnv()
	if err != nil {
		os.Exit(wireExitCode)
		return
	}
	if err := runStage(stage, env, sock); err != nil {
		reportFatal(sock, stage, err)
		os.Exit(wireExitCode)
	}
}

// wireExitCode is returned by a stage process that failed before it
// could exec the user command; the parent never inspects this exit
// code directly (it decides failure from the socket), but a nonzero
// code still avoids masquerading as a clean exit if something waits
// on this process by pid alone.
const wireExitCode = 111

func recvTaskEnv() (*TaskEnv, *net.UnixConn, error) {
	f := os.NewFile(uintptr(envFD), "taskenv")
	defer f.Close()
	var wire wireTaskEnv
	if err := gob.NewDecoder(f).Decode(&wire); err != nil {
		return nil, nil, errs.Wrap(errs.SocketError, "recvTaskEnv", err)
	}
	sockFile := os.NewFile(uintptr(sockFD), "stagesock")
	conn, err := net.FileConn(sockFile)
	if err != nil {
		return nil, nil, errs.Wrap(errs.SocketError, "recvTaskEnv.fileconn", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, nil, errs.InvalidValuef("recvTaskEnv", "socket is not unix")
	}
	return wire.toTaskEnv(unixConn), unixConn, nil
}

func reportFatal(sock *net.UnixConn, stage Stage, err error) {
	if sock == nil {
		return
	}
	var errno int32 = 1
	if e, ok := err.(*errs.Error); ok && e.Errno != 0 {
		errno = int32(e.Errno)
	}
	_ = WriteFrame(sock, Frame{Stage: stage, Errno: errno, Message: err.Error()})
}

// runStage executes one process's share of the child workflow,
// spec.md §4.F: report this process's pid, wait for the parent's "go"
// byte, unshare or join the configured namespaces (master only — a
// fork already places every later stage inside whatever namespace the
// master landed in, so init and any reparent barrier must not unshare
// again), then either hand off to the next reparent-barrier stage or,
// for the chain's final stage, run the rest of the ten-step workflow
// and exec the user command.
func runStage(stage Stage, env *TaskEnv, sock *net.UnixConn) error {
	if stage == StageMaster {
		if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
			return errs.Wrap(errs.Unknown, "runStage.pdeathsig", err)
		}
	}

	if err := WriteFrame(sock, Frame{Stage: stage, Message: pidMessage()}); err != nil {
		return err
	}
	if err := ReadGo(sock); err != nil {
		return err
	}

	if stage == StageMaster {
		if err := enterNamespaces(env); err != nil {
			return err
		}
	}

	if !isFinalStage(stage, env) {
		return reexecNextStage(stage, env, sock)
	}
	return runChildWorkflow(env, sock)
}

func pidMessage() string {
	return itoaPid(os.Getpid())
}

func itoaPid(pid int) string {
	if pid == 0 {
		return "0"
	}
	neg := pid < 0
	if neg {
		pid = -pid
	}
	var buf [12]byte
	i := len(buf)
	for pid > 0 {
		i--
		buf[i] = byte('0' + pid%10)
		pid /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// isFinalStage reports whether stage is the one that runs the rest of
// the child workflow and execs the user command: init by default, or
// the last reparent barrier when TriStage widens the chain.
func isFinalStage(stage Stage, env *TaskEnv) bool {
	switch env.TriStage {
	case StageCountTriple:
		return stage == StageReparent1
	case StageCountQuadro:
		return stage == StageReparent2
	default:
		return stage == StageInit
	}
}

// enterNamespaces applies env.Unshare (or enters env.ParentNs via
// setns when populated) for the calling process, spec.md §4.F's
// "unshare(...) (or enters existing namespaces via setns)". ParentNs
// descriptors are only meaningful in the process that owns them: they
// are not threaded across spawnStage's re-exec, so a TaskEnv that
// needs setns must be consumed by the master stage before any
// reparent barrier forks — internal/container never asks for setns
// past StageCountDouble.
func enterNamespaces(env *TaskEnv) error {
	if !env.ParentNs.isEmpty() {
		return setnsAll(env.ParentNs)
	}
	var flags int
	if env.Unshare.Mount {
		flags |= unix.CLONE_NEWNS
	}
	if env.Unshare.UTS {
		flags |= unix.CLONE_NEWUTS
	}
	if env.Unshare.IPC {
		flags |= unix.CLONE_NEWIPC
	}
	if env.Unshare.PID {
		flags |= unix.CLONE_NEWPID
	}
	if env.Unshare.Net {
		flags |= unix.CLONE_NEWNET
	}
	if env.Unshare.User {
		flags |= unix.CLONE_NEWUSER
	}
	if flags == 0 {
		return nil
	}
	if err := unix.Unshare(flags); err != nil {
		return errs.Wrap(errs.Unknown, "enterNamespaces.unshare", err)
	}
	return nil
}

func setnsAll(snap NsSnapshot) error {
	type entry struct {
		path string
		flag int
	}
	for _, e := range []entry{
		{snap.User, unix.CLONE_NEWUSER},
		{snap.Mount, unix.CLONE_NEWNS},
		{snap.UTS, unix.CLONE_NEWUTS},
		{snap.IPC, unix.CLONE_NEWIPC},
		{snap.PID, unix.CLONE_NEWPID},
		{snap.Net, unix.CLONE_NEWNET},
	} {
		if e.path == "" {
			continue
		}
		fd, err := unix.Open(e.path, unix.O_RDONLY, 0)
		if err != nil {
			return errs.Wrap(errs.Unknown, "enterNamespaces.open", err, e.path)
		}
		err = unix.Setns(fd, e.flag)
		unix.Close(fd)
		if err != nil {
			return errs.Wrap(errs.Unknown, "enterNamespaces.setns", err, e.path)
		}
	}
	return nil
}

// runChildWorkflow executes the remaining child workflow steps,
// spec.md §4.F steps 1, 3-10 (step 2, namespace entry, ran once in the
// master stage's runStage; later stages inherit those namespaces).
func runChildWorkflow(env *TaskEnv, sock *net.UnixConn) error {
	if err := applyRlimits(env.Rlimits); err != nil {
		return err
	}
	if env.RootPath != "" {
		if err := mountRoot(env); err != nil {
			return err
		}
	}
	if err := bindExtraMounts(env); err != nil {
		return err
	}
	if err := setHostname(env.Hostname); err != nil {
		return err
	}
	if err := attachCgroups(env.Cgroups); err != nil {
		return err
	}
	if err := bringUpNetwork(env.Network); err != nil {
		return err
	}
	if err := reopenStdio(env); err != nil {
		return err
	}
	sock.Close()
	closeExtraFds()

	if err := applyCapabilities(env.Caps); err != nil {
		return err
	}
	if err := switchCredential(env.Creds); err != nil {
		return err
	}

	return execUserCommand(env)
}

// closeExtraFds closes every descriptor above stderr, spec.md §4.F
// step 7's "closing inherited fds except the socket/whitelisted
// descriptors" — by this point the control socket itself has already
// been closed since no further frames are sent once the user command
// is about to be exec'd.
func closeExtraFds() {
	for fd := 3; fd < 256; fd++ {
		unix.Close(fd)
	}
}

func execUserCommand(env *TaskEnv) error {
	if len(env.Argv) == 0 {
		return errs.InvalidValuef("execUserCommand", "empty argv")
	}
	path, err := lookPath(env.Argv[0])
	if err != nil {
		return errs.Wrap(errs.NotFound, "execUserCommand.lookPath", err, env.Argv[0])
	}
	if env.WorkDir != "" {
		if err := unix.Chdir(env.WorkDir); err != nil {
			return errs.Wrap(errs.Unknown, "execUserCommand.chdir", err, env.WorkDir)
		}
	}
	if err := unix.Exec(path, env.Argv, env.Env); err != nil {
		return errs.Wrap(errs.Unknown, "execUserCommand.exec", err, path)
	}
	return nil // unreachable on success
}
