// Package pta implements the Page-Table Allocator: a free-list
// allocator that drains zero-filled blockSize frames from a single
// pre-mapped arena, threading its free-list bookkeeping directly into
// the free frames themselves rather than a side table.
package pta

import (
	"vmcore/kernel"
	"vmcore/kernel/sync"
	"vmcore/mem/addr"
)

const moduleName = "pta"

// Stats reports a snapshot of an Allocator's free-list bookkeeping.
type Stats struct {
	BlockSize    uint64
	FreeBlocks   uint64
	ChainLength  int
	LargestBlock uint64
}

// FreeSize returns the number of bytes of free memory in blocks.
func (s Stats) FreeSize() uint64 {
	return s.FreeBlocks * s.BlockSize
}

// Allocator is a free-list allocator over blockSize-granular frames
// drawn from one fixed arena mapping.
type Allocator struct {
	lock sync.Spinlock

	blockSize uint64
	mem       addr.Memory
	mapping   addr.AddressMapping

	head       addr.PhysicalAddress
	hasHead    bool
	freeBlocks uint64
	chainLen   int

	// arenas records every region ever handed to addMemoryLocked, so
	// ReleaseMemory can tell "not part of any arena" (caller error)
	// apart from "part of an arena but currently allocated" (bugcheck).
	arenas []addr.PhysicalRange
}

// Create builds an allocator serving blockSize-granular frames out of
// mapping. mapping.VAddr and mapping.PAddr must both be non-zero and
// aligned to blockSize, and mapping.Size must be a non-zero multiple
// of blockSize.
func Create(mapping addr.AddressMapping, blockSize uint64, mem addr.Memory) (*Allocator, error) {
	if blockSize == 0 {
		return nil, kernel.New(moduleName, kernel.StatusInvalidInput, "blockSize must be non-zero")
	}
	if mapping.Size == 0 || mapping.Size%blockSize != 0 {
		return nil, kernel.New(moduleName, kernel.StatusInvalidInput, "mapping size must be a non-zero multiple of blockSize")
	}
	if mapping.VAddr == 0 || !mapping.VAddr.IsAligned(blockSize) {
		return nil, kernel.New(moduleName, kernel.StatusInvalidInput, "mapping vaddr must be non-zero and blockSize-aligned")
	}
	if mapping.PAddr == 0 || !mapping.PAddr.IsAligned(blockSize) {
		return nil, kernel.New(moduleName, kernel.StatusInvalidInput, "mapping paddr must be non-zero and blockSize-aligned")
	}

	a := &Allocator{blockSize: blockSize, mem: mem, mapping: mapping}
	a.addMemoryLocked(mapping)
	return a, nil
}

// AddMemory extends the allocator with another arena mapping, growing
// the pool of available blocks. The new mapping need not be adjacent
// to any existing one.
func (a *Allocator) AddMemory(mapping addr.AddressMapping) error {
	if mapping.Size == 0 || mapping.Size%a.blockSize != 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "mapping size must be a non-zero multiple of blockSize")
	}
	a.lock.Acquire()
	defer a.lock.Release()
	a.addMemoryLocked(mapping)
	return nil
}

// ReleaseMemory withdraws rng from the allocator: every free run (or
// part of a free run) that falls inside rng is removed from the free
// list, splitting a run that only partly overlaps. It bug-checks if
// any part of rng that falls inside a known arena is not currently
// free, since that means a caller asked to withdraw memory that is
// still allocated.
func (a *Allocator) ReleaseMemory(rng addr.PhysicalRange) error {
	if rng.IsEmpty() {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "release range must be non-empty")
	}
	if !rng.Start.IsAligned(a.blockSize) || rng.Size%a.blockSize != 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "release range must be blockSize-aligned")
	}

	a.lock.Acquire()
	defer a.lock.Release()

	var inArena uint64
	for _, arena := range a.arenas {
		if overlap, ok := arena.Intersect(rng); ok {
			inArena += overlap.Size
		}
	}
	if inArena == 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "release range is not part of any known arena")
	}

	type run struct {
		start addr.PhysicalAddress
		count uint64
	}
	var kept []run
	var withdrawn uint64
	for a.hasHead {
		start, count, _ := a.popRunLocked()
		runRange := addr.PhysicalRange{Start: start, Size: count * a.blockSize}
		overlap, ok := runRange.Intersect(rng)
		if !ok {
			kept = append(kept, run{start, count})
			continue
		}
		withdrawn += overlap.Size
		for _, rem := range runRange.Cut(overlap) {
			kept = append(kept, run{rem.Start, rem.Size / a.blockSize})
		}
	}
	for _, r := range kept {
		a.pushRunLocked(r.start, r.count)
	}

	if withdrawn < inArena {
		kernel.BugCheck(moduleName, "release range overlaps currently-allocated memory", nil)
	}

	var arenas []addr.PhysicalRange
	for _, arena := range a.arenas {
		if overlap, ok := arena.Intersect(rng); ok {
			arenas = append(arenas, arena.Cut(overlap)...)
		} else {
			arenas = append(arenas, arena)
		}
	}
	a.arenas = arenas
	return nil
}

func (a *Allocator) addMemoryLocked(mapping addr.AddressMapping) {
	count := mapping.Size / a.blockSize
	a.arenas = append(a.arenas, addr.PhysicalRange{Start: mapping.PAddr, Size: mapping.Size})
	a.pushRunLocked(mapping.PAddr, count)
}

func (a *Allocator) pushRunLocked(start addr.PhysicalAddress, count uint64) {
	next := addr.PhysicalAddress(0)
	if a.hasHead {
		next = a.head
	}
	writeControlBlock(a.mem, start, controlBlock{next: next, count: count})
	a.head = start
	a.hasHead = true
	a.freeBlocks += count
	a.chainLen++
}

// popRunLocked removes the free-list head and returns it.
func (a *Allocator) popRunLocked() (addr.PhysicalAddress, uint64, bool) {
	if !a.hasHead {
		return 0, 0, false
	}
	start := a.head
	cb := readControlBlock(a.mem, start)
	if cb.next == 0 {
		a.hasHead = false
	} else {
		a.head = cb.next
	}
	a.freeBlocks -= cb.count
	a.chainLen--
	return start, cb.count, true
}

func (a *Allocator) allocationAt(paddr addr.PhysicalAddress, blocks uint64) Allocation {
	size := blocks * a.blockSize
	vaddr, _ := a.mapping.Translate(paddr)
	a.mem.Zero(paddr, size)
	return Allocation{VAddr: vaddr, PAddr: paddr, Size: size}
}

// Allocate hands back a single contiguous run of blocks zero-filled
// blockSize frames, or a null allocation if no run of that length is
// free. Callers that can tolerate a discontiguous result should use
// AllocateList instead, which never fails purely due to fragmentation.
func (a *Allocator) Allocate(blocks uint64) Allocation {
	if blocks == 0 {
		return Allocation{}
	}
	a.lock.Acquire()
	defer a.lock.Release()

	prev := addr.PhysicalAddress(0)
	hasPrev := false
	cur := a.head
	hasCur := a.hasHead
	for hasCur {
		cb := readControlBlock(a.mem, cur)
		if cb.count >= blocks {
			a.unlinkRunLocked(prev, hasPrev, cur, cb)
			if cb.count > blocks {
				remainder := addr.PhysicalAddress(uint64(cur) + blocks*a.blockSize)
				a.pushRunLocked(remainder, cb.count-blocks)
			}
			return a.allocationAt(cur, blocks)
		}
		prev = cur
		hasPrev = true
		cur = cb.next
		hasCur = cb.next != 0
	}
	return Allocation{}
}

// unlinkRunLocked removes the run starting at cur (whose header is cb)
// from the free list, given its immediate predecessor.
func (a *Allocator) unlinkRunLocked(prev addr.PhysicalAddress, hasPrev bool, cur addr.PhysicalAddress, cb controlBlock) {
	if hasPrev {
		prevCB := readControlBlock(a.mem, prev)
		prevCB.next = cb.next
		writeControlBlock(a.mem, prev, prevCB)
	} else {
		if cb.next == 0 {
			a.hasHead = false
		} else {
			a.head = cb.next
		}
	}
	a.freeBlocks -= cb.count
	a.chainLen--
}

// Deallocate returns alloc to the free list.
func (a *Allocator) Deallocate(alloc Allocation) {
	if alloc.Size == 0 {
		return
	}
	a.lock.Acquire()
	defer a.lock.Release()
	a.pushRunLocked(alloc.PAddr, alloc.Size/a.blockSize)
}

// AllocateList gathers blocks worth of zero-filled frames, splitting
// the request across as many discontiguous runs as necessary. It only
// fails if the allocator does not have blocks free blocks in total.
func (a *Allocator) AllocateList(blocks uint64) (List, error) {
	var list List
	if err := a.AllocateExtra(blocks, &list); err != nil {
		a.DeallocateList(list)
		return List{}, err
	}
	return list, nil
}

// AllocateExtra allocates blocks more zero-filled frames and appends
// them to list, leaving list unmodified on failure.
func (a *Allocator) AllocateExtra(blocks uint64, list *List) error {
	if blocks == 0 {
		return nil
	}
	a.lock.Acquire()
	defer a.lock.Release()

	if a.freeBlocks < blocks {
		return kernel.New(moduleName, kernel.StatusOutOfMemory, "not enough free blocks")
	}

	var gathered []Allocation
	remaining := blocks
	for remaining > 0 {
		cur, count, ok := a.popRunLocked()
		if !ok {
			// Unreachable: freeBlocks already confirmed sufficient total.
			kernel.BugCheck(moduleName, "free list exhausted before satisfying request", nil)
		}
		take := count
		if take > remaining {
			take = remaining
		}
		gathered = append(gathered, a.allocationAt(cur, take))
		if count > take {
			a.pushRunLocked(addr.PhysicalAddress(uint64(cur)+take*a.blockSize), count-take)
		}
		remaining -= take
	}
	list.Runs = append(list.Runs, gathered...)
	return nil
}

// DeallocateList returns every run in list to the free list.
func (a *Allocator) DeallocateList(list List) {
	for _, r := range list.Runs {
		a.Deallocate(r)
	}
}

// Defragment merges adjacent free runs into larger contiguous runs,
// shortening the free-list chain and increasing the largest available
// block without changing total free capacity.
func (a *Allocator) Defragment() {
	a.lock.Acquire()
	defer a.lock.Release()

	type run struct {
		start addr.PhysicalAddress
		count uint64
	}
	var runs []run
	for a.hasHead {
		start, count, _ := a.popRunLocked()
		runs = append(runs, run{start, count})
	}
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j].count == 0 {
				continue
			}
			iEnd := uint64(runs[i].start) + runs[i].count*a.blockSize
			jEnd := uint64(runs[j].start) + runs[j].count*a.blockSize
			if iEnd == uint64(runs[j].start) {
				runs[i].count += runs[j].count
				runs[j].count = 0
			} else if jEnd == uint64(runs[i].start) {
				runs[i].start = runs[j].start
				runs[i].count += runs[j].count
				runs[j].count = 0
			}
		}
	}
	for _, r := range runs {
		if r.count > 0 {
			a.pushRunLocked(r.start, r.count)
		}
	}
}

// Stats reports the allocator's current free-list bookkeeping.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()
	var largest uint64
	cur := a.head
	hasCur := a.hasHead
	for hasCur {
		cb := readControlBlock(a.mem, cur)
		if cb.count > largest {
			largest = cb.count
		}
		cur = cb.next
		hasCur = cb.next != 0
	}
	return Stats{
		BlockSize:    a.blockSize,
		FreeBlocks:   a.freeBlocks,
		ChainLength:  a.chainLen,
		LargestBlock: largest,
	}
}
