//go:build windows

package sysmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func probe() (Snapshot, bool) {
	var ms windows.MemoryStatusEx
	ms.Length = uint32(unsafe.Sizeof(ms))
	if err := windows.GlobalMemoryStatusEx(&ms); err != nil {
		return Snapshot{}, false
	}
	return Snapshot{TotalBytes: ms.TotalPhys, AvailableBytes: ms.AvailPhys}, true
}
