package pta

import "vmcore/mem/addr"

// Allocation is a single contiguous run handed out by the allocator:
// both its physical backing address and the virtual address it is
// reachable at through the allocator's arena mapping.
type Allocation = addr.AddressMapping

// List is a (possibly discontiguous) set of runs satisfying one
// logical request, the Go analogue of the original's
// detail::PageTableList: AllocateList/AllocateExtra hand back a List
// rather than a single Allocation when no single run was big enough.
type List struct {
	Runs []Allocation
}

// BlockCount returns the total number of blockSize-sized blocks across
// every run in the list.
func (l List) BlockCount(blockSize uint64) uint64 {
	var n uint64
	for _, r := range l.Runs {
		n += r.Size / blockSize
	}
	return n
}
