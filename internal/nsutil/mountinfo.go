// Package nsutil parses the kernel's mount table, the leaf dependency
// the cgroup controller graph sits on top of to find (or decide it
// must create) its root mount. Entering another process's namespaces
// is the task launcher's own job (internal/launcher's path-based
// NsSnapshot/setnsAll): a held file descriptor is only meaningful in
// the process that opened it and can't survive the launcher's
// per-stage re-exec, so that half of this package never had a real
// caller and was dropped rather than kept unwired.
package nsutil

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"containerforge/internal/errs"
)

// Mount is one entry from /proc/self/mountinfo. Two mounts are equal
// when Source, Mountpoint, FSType and Flags all match, per spec.md §3.
type Mount struct {
	ID         int
	ParentID   int
	Source     string
	Mountpoint string
	FSType     string
	Flags      uintptr
	Options    map[string]string
}

// Equal reports whether two mounts describe the same mount per spec.md
// §3's four-field equality rule.
func (m Mount) Equal(o Mount) bool {
	return m.Source == o.Source &&
		m.Mountpoint == o.Mountpoint &&
		m.FSType == o.FSType &&
		m.Flags == o.Flags
}

// Snapshot is an ordered sequence of mounts read from a mountinfo file,
// in the order the kernel reported them.
type Snapshot []Mount

// FindMountpoint returns the most specific (longest matching prefix)
// mount covering path, or ok=false if none is found.
func (s Snapshot) FindMountpoint(path string) (Mount, bool) {
	var best Mount
	found := false
	for _, m := range s {
		if path == m.Mountpoint || strings.HasPrefix(path, m.Mountpoint+"/") {
			if !found || len(m.Mountpoint) > len(best.Mountpoint) {
				best = m
				found = true
			}
		}
	}
	return best, found
}

// FindByFSType returns every mount whose filesystem type matches fstype,
// in snapshot order. Used by the cgroup controller graph to find (or
// decide it must create) the tmpfs holder and controller mounts.
func (s Snapshot) FindByFSType(fstype string) []Mount {
	var out []Mount
	for _, m := range s {
		if m.FSType == fstype {
			out = append(out, m)
		}
	}
	return out
}

// ParseMountinfo parses the contents of a /proc/<pid>/mountinfo file.
// Each line has the form:
//
//	ID PARENT MAJOR:MINOR ROOT MOUNTPOINT OPTIONS [OPT-FIELDS] - FSTYPE SOURCE SUPER-OPTIONS
func ParseMountinfo(r io.Reader) (Snapshot, error) {
	var out Snapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m, err := parseMountinfoLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.Unknown, "ParseMountinfo", err)
	}
	return out, nil
}

func parseMountinfoLine(line string) (Mount, error) {
	fields := strings.Fields(line)
	// id parent major:minor root mountpoint opts ... - fstype source superopts
	sepIdx := -1
	for i, f := range fields {
		if f == "-" {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 || sepIdx+3 >= len(fields)+1 || sepIdx < 6 {
		return Mount{}, errs.InvalidValuef("ParseMountinfo", line)
	}
	if sepIdx+3 > len(fields) {
		return Mount{}, errs.InvalidValuef("ParseMountinfo", line)
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return Mount{}, errs.InvalidValuef("ParseMountinfo", line)
	}
	parentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return Mount{}, errs.InvalidValuef("ParseMountinfo", line)
	}

	mountpoint := unescapeOctal(fields[4])
	mountOpts := fields[5]

	fsType := fields[sepIdx+1]
	source := unescapeOctal(fields[sepIdx+2])
	superOpts := ""
	if sepIdx+3 < len(fields) {
		superOpts = fields[sepIdx+3]
	}

	options := make(map[string]string)
	flags := uintptr(0)
	parseOptString(mountOpts, options, &flags)
	parseOptString(superOpts, options, &flags)

	return Mount{
		ID:         id,
		ParentID:   parentID,
		Source:     source,
		Mountpoint: mountpoint,
		FSType:     fsType,
		Flags:      flags,
		Options:    options,
	}, nil
}

func parseOptString(s string, options map[string]string, flags *uintptr) {
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}
		if kv := strings.SplitN(opt, "=", 2); len(kv) == 2 {
			options[kv[0]] = kv[1]
		} else {
			options[opt] = ""
			switch opt {
			case "ro":
				*flags |= flagReadOnly
			case "nosuid":
				*flags |= flagNoSuid
			case "noexec":
				*flags |= flagNoExec
			case "nodev":
				*flags |= flagNoDev
			}
		}
	}
}

// Mount flag bits mirror the subset of MS_* flags mountinfo's option
// string can recover without consulting the kernel's raw flags word.
const (
	flagReadOnly uintptr = 1 << iota
	flagNoSuid
	flagNoExec
	flagNoDev
)

func unescapeOctal(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
