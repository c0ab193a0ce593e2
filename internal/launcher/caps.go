package launcher

import (
	"golang.org/x/sys/unix"

	"containerforge/internal/errs"
)

// CapabilityMap names the capability bit numbers TaskEnv.Caps packs
// into its three uint64 words, generalized from the teacher's
// CapabilityMap (utils.go) which maps the same bare names to
// unix.CAP_* ints for a single capset call.
var CapabilityMap = map[string]int{
	"AUDIT_CONTROL": unix.CAP_AUDIT_CONTROL, "AUDIT_READ": unix.CAP_AUDIT_READ,
	"AUDIT_WRITE": unix.CAP_AUDIT_WRITE, "BLOCK_SUSPEND": unix.CAP_BLOCK_SUSPEND,
	"BPF": unix.CAP_BPF, "CHECKPOINT_RESTORE": unix.CAP_CHECKPOINT_RESTORE,
	"CHOWN": unix.CAP_CHOWN, "DAC_OVERRIDE": unix.CAP_DAC_OVERRIDE,
	"DAC_READ_SEARCH": unix.CAP_DAC_READ_SEARCH, "FOWNER": unix.CAP_FOWNER,
	"FSETID": unix.CAP_FSETID, "IPC_LOCK": unix.CAP_IPC_LOCK,
	"IPC_OWNER": unix.CAP_IPC_OWNER, "KILL": unix.CAP_KILL,
	"LEASE": unix.CAP_LEASE, "LINUX_IMMUTABLE": unix.CAP_LINUX_IMMUTABLE,
	"MAC_ADMIN": unix.CAP_MAC_ADMIN, "MAC_OVERRIDE": unix.CAP_MAC_OVERRIDE,
	"MKNOD": unix.CAP_MKNOD, "NET_ADMIN": unix.CAP_NET_ADMIN,
	"NET_BIND_SERVICE": unix.CAP_NET_BIND_SERVICE, "NET_BROADCAST": unix.CAP_NET_BROADCAST,
	"NET_RAW": unix.CAP_NET_RAW, "PERFMON": unix.CAP_PERFMON,
	"SETGID": unix.CAP_SETGID, "SETPCAP": unix.CAP_SETPCAP,
	"SETUID": unix.CAP_SETUID, "SYS_ADMIN": unix.CAP_SYS_ADMIN,
	"SYS_BOOT": unix.CAP_SYS_BOOT, "SYS_CHROOT": unix.CAP_SYS_CHROOT,
	"SYS_MODULE": unix.CAP_SYS_MODULE, "SYS_NICE": unix.CAP_SYS_NICE,
	"SYS_PACCT": unix.CAP_SYS_PACCT, "SYS_PTRACE": unix.CAP_SYS_PTRACE,
	"SYS_RAWIO": unix.CAP_SYS_RAWIO, "SYS_RESOURCE": unix.CAP_SYS_RESOURCE,
	"SYS_TIME": unix.CAP_SYS_TIME, "SYS_TTY_CONFIG": unix.CAP_SYS_TTY_CONFIG,
	"SYSLOG": unix.CAP_SYSLOG, "WAKE_ALARM": unix.CAP_WAKE_ALARM,
}

// CapSetFromNames builds a CapSet whose three words all carry the
// named capabilities, matching the teacher's applyCapabilities
// default: caps are effective, permitted, and inheritable together.
func CapSetFromNames(names []string) (CapSet, error) {
	var set CapSet
	for _, name := range names {
		bit, ok := CapabilityMap[name]
		if !ok {
			return CapSet{}, errs.InvalidValuef("CapSetFromNames", name)
		}
		mask := uint64(1) << uint(bit)
		set.Effective |= mask
		set.Permitted |= mask
		set.Inheritable |= mask
	}
	return set, nil
}

// applyCapabilities is child workflow step 8, spec.md §4.F: drop
// bounded capabilities outside Caps via PR_CAPBSET_DROP, then set
// effective/permitted/inheritable with a single two-word capset
// call, exactly the teacher's applyCapabilities (container.go) but
// driven from TaskEnv.Caps instead of a freshly built map.
func applyCapabilities(caps CapSet) error {
	for bit := 0; bit < 64; bit++ {
		mask := uint64(1) << uint(bit)
		if caps.Permitted&mask != 0 {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(bit), 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				break // bit beyond the kernel's last known capability
			}
			return errs.Wrap(errs.Unknown, "applyCapabilities.drop", err, bit)
		}
	}

	var data [2]unix.CapUserData
	splitWord := func(word uint64, set func(d *unix.CapUserData, v uint32)) {
		set(&data[0], uint32(word))
		set(&data[1], uint32(word>>32))
	}
	splitWord(caps.Effective, func(d *unix.CapUserData, v uint32) { d.Effective = v })
	splitWord(caps.Permitted, func(d *unix.CapUserData, v uint32) { d.Permitted = v })
	splitWord(caps.Inheritable, func(d *unix.CapUserData, v uint32) { d.Inheritable = v })

	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capset(&header, &data[0]); err != nil {
		return errs.Wrap(errs.Unknown, "applyCapabilities.capset", err)
	}
	return nil
}
