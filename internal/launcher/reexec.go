package launcher

import (
	"encoding/gob"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"containerforge/internal/errs"
)

// wireTaskEnv is the gob-serializable projection of TaskEnv sent
// across envFD at each re-exec: TaskEnv's *net.UnixConn fields can't
// cross a gob encode, so the same socket is instead forwarded as a
// raw descriptor at envFD+1 and rebuilt into a *net.UnixConn on the
// other side, the same way the teacher carries no live fds through
// its single JSON sync-pipe payload (main.go's ChildError), only
// bytes.
type wireTaskEnv struct {
	Argv              []string
	Env               []string
	WorkDir           string
	RootPath          string
	RootRdOnly        bool
	DNSBind           bool
	DNSServers        []string
	BindMounts        []BindMount
	StdinPath         string
	StdoutPath        string
	StderrPath        string
	TTY               bool
	ParentNs          NsSnapshot
	Unshare           NsFlags
	Hostname          string
	Cgroups           map[string]string
	Creds             Credential
	Caps              CapSet
	Rlimits           map[string]TaskEnvRlimit
	Network           NetSetup
	LoopDeviceNum     int
	StageTimeoutNanos int64
	TriStage          TriStage
}

func fromTaskEnv(env *TaskEnv) wireTaskEnv {
	return wireTaskEnv{
		Argv: env.Argv, Env: env.Env, WorkDir: env.WorkDir,
		RootPath: env.RootPath, RootRdOnly: env.RootRdOnly,
		DNSBind: env.DNSBind, DNSServers: env.DNSServers,
		BindMounts: env.BindMounts,
		StdinPath: env.StdinPath, StdoutPath: env.StdoutPath, StderrPath: env.StderrPath,
		TTY: env.TTY, ParentNs: env.ParentNs, Unshare: env.Unshare, Hostname: env.Hostname,
		Cgroups: env.Cgroups, Creds: env.Creds, Caps: env.Caps,
		Rlimits: env.Rlimits, Network: env.Network, LoopDeviceNum: env.LoopDeviceNum,
		StageTimeoutNanos: int64(env.StageTimeout), TriStage: env.TriStage,
	}
}

func (w wireTaskEnv) toTaskEnv(sock *net.UnixConn) *TaskEnv {
	return &TaskEnv{
		Argv: w.Argv, Env: w.Env, WorkDir: w.WorkDir,
		RootPath: w.RootPath, RootRdOnly: w.RootRdOnly,
		DNSBind: w.DNSBind, DNSServers: w.DNSServers,
		BindMounts: w.BindMounts,
		StdinPath: w.StdinPath, StdoutPath: w.StdoutPath, StderrPath: w.StderrPath,
		TTY: w.TTY, ParentNs: w.ParentNs, Unshare: w.Unshare, Hostname: w.Hostname,
		Cgroups: w.Cgroups, Creds: w.Creds, Caps: w.Caps,
		Rlimits: w.Rlimits, Network: w.Network, LoopDeviceNum: w.LoopDeviceNum,
		StageTimeout: timeDurationFromNanos(w.StageTimeoutNanos), TriStage: w.TriStage,
		Sock: sock,
	}
}

// spawnStage re-execs the current binary with argv [self, string(stage)],
// handing the task environment across ExtraFiles at fd 3 and a
// forwarded copy of the live control socket at fd 4, generalizing the
// teacher's single /proc/self/exe restart (createChildProcess,
// main.go) to run at every stage of the chain instead of once. The
// same socket descriptor is reused end to end instead of a fresh pair
// per hop: spec.md's "parent creates a socketpair" names one pair for
// the whole chain, not one per fork.
func spawnStage(stage Stage, env *TaskEnv, sock *net.UnixConn, setsid bool, stdin, stdout, stderr *os.File) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "spawnStage.executable", err)
	}

	sockFile, err := sock.File()
	if err != nil {
		return nil, errs.Wrap(errs.SocketError, "spawnStage.sockfile", err)
	}
	defer sockFile.Close()

	envFile, err := encodeTaskEnvToFile(env)
	if err != nil {
		return nil, err
	}
	defer envFile.Close()

	cmd := exec.Command(self, string(stage))
	cmd.ExtraFiles = []*os.File{envFile, sockFile}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	cmd.SysProcAttr = procAttrForStage(setsid)

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.Unknown, "spawnStage.start", err, stage)
	}
	return cmd, nil
}

func encodeTaskEnvToFile(env *TaskEnv) (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "encodeTaskEnvToFile.pipe", err)
	}
	go func() {
		defer w.Close()
		_ = gob.NewEncoder(w).Encode(fromTaskEnv(env))
	}()
	return r, nil
}

// reexecNextStage runs on a stage that only exists to create a
// reparent barrier: it spawns the next stage, hands it the same
// control socket, then blocks on that stage's exit and propagates its
// exit code upward, never returning on success. This is what lets the
// real parent waitpid just the master child per spec.md §4.F and
// still observe the eventual exec'd command's true exit status, the
// way a classic double-fork daemonizer's middle process waits on its
// own child before exiting.
func reexecNextStage(current Stage, env *TaskEnv, sock *net.UnixConn) error {
	next := nextStage(current, env)
	cmd, err := spawnStage(next, env, sock, false, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	sock.Close()

	waitErr := cmd.Wait()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		code = 1
	}
	os.Exit(code)
	return nil // unreachable
}

func nextStage(current Stage, env *TaskEnv) Stage {
	switch current {
	case StageMaster:
		return StageInit
	case StageInit:
		return StageReparent1
	case StageReparent1:
		return StageReparent2
	default:
		return StageReparent2
	}
}

func lookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	return exec.LookPath(filepath.Clean(name))
}
