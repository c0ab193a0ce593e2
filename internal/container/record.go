package container

import (
	"strconv"
	"strings"
	"time"

	"containerforge/internal/kvstore"
)

// toRecord/fromRecord translate a Container's persisted identity into
// the opaque string-map record spec.md §6 describes for the KV store,
// mirroring internal/volume's record.go. Only the fields needed to
// rediscover and report on a container across a restart are kept. The
// cgroup leaves are rebuilt by Rediscover; the live *launcher.TaskEnv
// and the volume links are neither stored in the record nor rebuilt
// after a restart.
func toRecord(c *Container) kvstore.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := kvstore.Record{
		"id":         c.ID,
		"state":      c.state.String(),
		"created_at": c.CreatedAt.Format(time.RFC3339),
		"argv":       strings.Join(c.Env.Argv, "\x1f"),
		"root_path":  c.Env.RootPath,
	}
	if c.CreatedAt.IsZero() {
		delete(rec, "created_at")
	}
	rec["exit_status"] = strconv.Itoa(c.ExitStatus.Status)
	return rec
}

// fromRecord rebuilds the identity fields of a Container from a
// persisted record; callers still need to supply a live TaskEnv and
// volume manager via New before the container is usable beyond
// reporting its last-known state.
func fromRecord(rec kvstore.Record) (id string, state State, createdAt time.Time, argv []string, rootPath string) {
	id = rec["id"]
	state = stateFromString(rec["state"])
	if t, err := time.Parse(time.RFC3339, rec["created_at"]); err == nil {
		createdAt = t
	}
	if rec["argv"] != "" {
		argv = strings.Split(rec["argv"], "\x1f")
	}
	rootPath = rec["root_path"]
	return
}

func stateFromString(s string) State {
	switch s {
	case "starting":
		return StateStarting
	case "running":
		return StateRunning
	case "stopping":
		return StateStopping
	case "dead":
		return StateDead
	default:
		return StateStopped
	}
}
