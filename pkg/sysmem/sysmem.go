// Package sysmem reports physical memory so the memory budget can default to
// a share of the machine.
package sysmem

// Snapshot is a point-in-time view of physical memory.
type Snapshot struct {
	TotalBytes uint64
	// AvailableBytes is free plus reclaimable memory where the platform
	// reports it, otherwise 0.
	AvailableBytes uint64
	// Reliable is false when the platform could not be queried.
	Reliable bool
}

// Detect queries the platform. On failure it returns a zero, unreliable snapshot.
func Detect() Snapshot {
	s, ok := probe()
	if !ok || s.TotalBytes == 0 {
		return Snapshot{}
	}
	s.Reliable = true
	return s
}
