// Package launcher implements the multi-stage fork sequence that
// starts a container's user command: parent → master child → init →
// optional triple/quadro-fork reparent barrier, per spec.md §4.F.
// Go cannot fork a running multi-threaded process and keep executing
// Go code in the child side of the fork (the runtime's goroutine
// scheduler does not survive it) the way the C original can, so every
// "fork" stage here is realized as a fresh os/exec re-exec of the
// current binary against a stage argument, exactly generalizing the
// teacher's own /proc/self/exe restart in main.go's createChildProcess
// to an arbitrary number of stages instead of one.
package launcher

import (
	"net"
	"time"
)

// TaskEnvRlimit is one entry of TaskEnv.Rlimits, spec.md §3's
// "resource limits map", supplemented per SPEC_FULL.md §7 with the
// original_source per-RLIMIT table.
type TaskEnvRlimit struct {
	Soft uint64
	Hard uint64
}

// Credential is the user/group identity the final child stage
// switches to before execve, spec.md §4.F step 9.
type Credential struct {
	UID        uint32
	GID        uint32
	Groups     []uint32
}

// CapSet is TaskEnv's three-word capability bitset (spec.md §3):
// effective, permitted, and inheritable, each a bit-per-capability
// mask using the same numbering as golang.org/x/sys/unix's CAP_*
// constants (0-based, bit N set means capability N is present).
type CapSet struct {
	Effective   uint64
	Permitted   uint64
	Inheritable uint64
}

// BindMount is one entry of TaskEnv's bind-mount list, spec.md §4.F
// step 3.
type BindMount struct {
	Source     string
	Target     string
	ReadOnly   bool
}

// TaskEnv is the immutable descriptor handed to the launcher, spec.md
// §3's TTaskEnv. The container state machine (internal/container)
// exclusively owns one per container.
type TaskEnv struct {
	// Command line and environment.
	Argv    []string
	Env     []string
	WorkDir string

	// Filesystem.
	RootPath    string
	RootRdOnly  bool
	DNSBind     bool
	DNSServers  []string
	BindMounts  []BindMount

	// Stdio. Empty paths mean "inherit the launcher's own stdio".
	StdinPath  string
	StdoutPath string
	StderrPath string
	TTY        bool

	// Namespaces.
	ParentNs   NsSnapshot
	Unshare    NsFlags
	Hostname   string

	// Cgroups: per-controller leaf path this task attaches to in
	// step 5 of the child workflow.
	Cgroups map[string]string

	// Credential and capabilities.
	Creds Credential
	Caps  CapSet

	// Resource limits, keyed by RLIMIT name ("RLIMIT_NOFILE", ...).
	Rlimits map[string]TaskEnvRlimit

	// Network, consumed by the child's bringUpNetwork, which runs ip(8)
	// inside the new netns.
	Network NetSetup

	// Loop device number, spec.md §3; set by the volume manager when
	// a loop-backed volume is linked as this task's root or a bind.
	LoopDeviceNum int

	// Sockets connecting the parent and the fork stages. Sock is this
	// stage's end of the control socket, set on each re-exec'd stage.
	// One socket pair serves the whole stage chain; this launcher does
	// not set or read MasterSock or Sock2.
	Sock       *net.UnixConn
	MasterSock *net.UnixConn
	Sock2      *net.UnixConn

	// StageTimeout bounds how long the parent waits for each stage's
	// ack before SIGKILLing the master child, spec.md §5 (default
	// 60s).
	StageTimeout time.Duration

	// TriStage controls how many reparent-barrier stages run between
	// init and the final exec, spec.md §4.F's triple/quadro fork.
	TriStage TriStage
}

// NsFlags is the set of namespaces a TaskEnv's master child unshares,
// spec.md §4.F's "unshare(CLONE_NEWNS|NEWUTS|NEWIPC|NEWPID|NEWNET?|
// NEWUSER?)".
type NsFlags struct {
	Mount  bool
	UTS    bool
	IPC    bool
	PID    bool
	Net    bool
	User   bool
}

// NsSnapshot holds /proc/<pid>/ns/* paths for entering existing
// namespaces via setns instead of unshare, spec.md §4.F's "(or enters
// existing namespaces via setns on descriptors inherited from
// ParentNs)". Paths rather than open descriptors: a descriptor number
// is only meaningful in the process that opened it and can't survive
// spawnStage's re-exec, while a /proc path can be reopened fresh by
// whichever stage ends up applying it.
type NsSnapshot struct {
	Mount string
	UTS   string
	IPC   string
	PID   string
	Net   string
	User  string
}

func (s NsSnapshot) isEmpty() bool {
	return s.Mount == "" && s.UTS == "" && s.IPC == "" &&
		s.PID == "" && s.Net == "" && s.User == ""
}

// NetSetup is the subset of internal/netlinkmgr.NetConfig the child
// workflow step 6 needs, kept here rather than importing netlinkmgr
// directly to avoid a cgo-free package cycle (inside the new netns the
// child configures the link with ip(8); the launcher does not call
// netlinkmgr). Every field is resolved
// statically by whoever builds the TaskEnv, since the actual host-side
// move (internal/netlinkmgr.Engine.SetupHost) happens later, after
// this TaskEnv has already been handed off to the fork chain; the
// move only needs to land before this stage reaches bringUpNetwork,
// which the launcher's ack protocol already guarantees.
type NetSetup struct {
	HostConfigured bool // true once the parent is set up to move a link into this netns
	CurrentName    string // the link's name as moved, before any rename
	TargetIface    string // desired final name; renamed from CurrentName when they differ
	Addrs          []string // "addr/prefix" strings applied to TargetIface verbatim
	Routes         []string // route specs such as "default via <gw>", split into words and passed to "ip route add"
}

// TriStage controls how many extra reparent-barrier forks run after
// init, spec.md §4.F's "triple/quadro fork ... creates an extra
// reparent barrier".
type TriStage int

const (
	StageCountDouble TriStage = iota // parent -> master -> init (default)
	StageCountTriple                 // + one reparent barrier
	StageCountQuadro                 // + two reparent barriers
)
