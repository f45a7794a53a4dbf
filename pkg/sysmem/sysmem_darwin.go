//go:build darwin

package sysmem

import "golang.org/x/sys/unix"

func probe() (Snapshot, bool) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return Snapshot{}, false
	}
	return Snapshot{TotalBytes: total}, true
}
