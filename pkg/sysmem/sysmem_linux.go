//go:build linux

package sysmem

import "golang.org/x/sys/unix"

func probe() (Snapshot, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Snapshot{}, false
	}
	unit := uint64(info.Unit)
	return Snapshot{
		TotalBytes:     uint64(info.Totalram) * unit,
		AvailableBytes: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}, true
}
