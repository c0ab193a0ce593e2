package volume

import (
	"strconv"
	"strings"
	"time"

	"containerforge/internal/kvstore"
)

// toRecord/fromRecord translate between a Volume and the opaque
// string-map record spec.md §6 enumerates for the KV store.
func toRecord(v *Volume) kvstore.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := kvstore.Record{
		"path":            v.HostPath,
		"backend":         v.Backend,
		"state":           string(v.State),
		"build_time":      v.BuildTime.Format(time.RFC3339),
		"change_time":     v.ChangeTime.Format(time.RFC3339),
		"space_limit":     strconv.FormatUint(v.SpaceLimit, 10),
		"inode_limit":     strconv.FormatUint(v.InodeLimit, 10),
		"space_guarantee": strconv.FormatUint(v.SpaceGuarantee, 10),
		"inode_guarantee": strconv.FormatUint(v.InodeGuarantee, 10),
		"layers":          strings.Join(v.Layers, ":"),
		"creator":         v.CreatorID,
		"owner_user":      strconv.FormatUint(uint64(v.Owner.UID), 10),
		"owner_group":     strconv.FormatUint(uint64(v.Owner.GID), 10),
		"place":           v.Place,
		"ready":           strconv.FormatBool(v.State == StateReady),
	}
	if v.KeepStorage {
		rec["private"] = "true"
	}
	return rec
}

func fromRecord(rec kvstore.Record) *Volume {
	v := &Volume{
		HostPath:       rec["path"],
		Backend:        rec["backend"],
		State:          State(rec["state"]),
		SpaceLimit:     parseUint(rec["space_limit"]),
		InodeLimit:     parseUint(rec["inode_limit"]),
		SpaceGuarantee: parseUint(rec["space_guarantee"]),
		InodeGuarantee: parseUint(rec["inode_guarantee"]),
		CreatorID:      rec["creator"],
		Place:          rec["place"],
		KeepStorage:    rec["private"] == "true",
		BackendState:   make(map[string]string),
	}
	if rec["layers"] != "" {
		v.Layers = strings.Split(rec["layers"], ":")
	}
	if t, err := time.Parse(time.RFC3339, rec["build_time"]); err == nil {
		v.BuildTime = t
	}
	if t, err := time.Parse(time.RFC3339, rec["change_time"]); err == nil {
		v.ChangeTime = t
	}
	return v
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
