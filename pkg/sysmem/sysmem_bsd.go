//go:build freebsd || openbsd || netbsd || dragonfly

package sysmem

import "golang.org/x/sys/unix"

func probe() (Snapshot, bool) {
	for _, name := range []string{"hw.physmem", "hw.realmem"} {
		if total, err := unix.SysctlUint64(name); err == nil && total > 0 {
			return Snapshot{TotalBytes: total}, true
		}
	}
	return Snapshot{}, false
}
