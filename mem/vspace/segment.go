// Package vspace implements the Address-Space Manager: the per-process
// glue between a shared Physical Frame Heap and a private page-table
// hierarchy. It tracks virtual segments in an ordered map keyed by
// start address. Unmap threads its multi-step mutation through the pfh
// and pt command lists so it is atomic from an observer's point of
// view; Map and MapShared install page-table entries directly and
// unmap whatever they installed if a step fails.
package vspace

import (
	"vmcore/mem/addr"
	"vmcore/mem/pfh"
)

const moduleName = "vspace"

// AddressSegment is one entry in a Manager's segment map: the virtual
// range it covers, the physical allocation backing it (in the shared
// Heap passed to Map/Unmap), and the attributes it was mapped with.
type AddressSegment struct {
	VRange  addr.VirtualRange
	PAlloc  pfh.Allocation[addr.PhysicalAddress]
	Flags   addr.PageFlags
	MemType addr.MemoryType

	// Shared marks a segment installed by MapShared: its PAlloc is not
	// owned by this Manager (another Manager's segment references the
	// same physical allocation), so Unmap must not free it and may only
	// remove the segment as a whole unit.
	Shared bool
}

// segmentEntry is the btree item; segments are ordered by the start of
// their virtual range, matching the spec's "key = virtual start
// address" segment map.
type segmentEntry struct {
	start addr.VirtualAddress
	seg   AddressSegment
}

func segLess(a, b *segmentEntry) bool {
	return uint64(a.start) < uint64(b.start)
}
