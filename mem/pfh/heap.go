// Package pfh implements the Physical Frame Heap: a TLSF-style,
// best-fit allocator over one or more disjoint address ranges. It is
// generic over the address type so the same allocator drives both the
// physical frame heap and a virtual placement heap.
package pfh

import (
	"sort"

	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/sync"
	"vmcore/mem/addr"
)

const moduleName = "pfh"

// DefaultAlign is the alignment malloc uses, equivalent to
// alignof(std::max_align_t) in the original.
const DefaultAlign = 16

// Stats reports a snapshot of a Heap's bookkeeping state.
type Stats struct {
	TotalSize    uint64
	Reserved     uint64
	UsedMemory   uint64
	FreeMemory   uint64
	BlockCount   int
	FreeListSize int
	MallocCount  uint64
	FreeCount    uint64
}

// Heap is a TLSF-style best-fit allocator generic over an address type.
type Heap[T addr.Address] struct {
	lock sync.Spinlock

	totalSize   uint64
	reserved    uint64
	mallocCount uint64
	freeCount   uint64

	byAddr     *btree.BTreeG[*block[T]]
	freeBySize *btree.BTreeG[*block[T]]
}

// New creates an empty heap with no managed ranges.
func New[T addr.Address]() *Heap[T] {
	return &Heap[T]{
		byAddr:     btree.NewG(32, addrLess[T]),
		freeBySize: btree.NewG(32, sizeLess[T]),
	}
}

// Create builds a heap managing a single contiguous range.
func Create[T addr.Address](rng addr.Range[T]) (*Heap[T], error) {
	return CreateMulti([]addr.Range[T]{rng})
}

// CreateMulti builds a heap managing several (possibly discontiguous)
// ranges, mirroring TlsfHeap::create(std::span<const MemoryRange>).
func CreateMulti[T addr.Address](ranges []addr.Range[T]) (*Heap[T], error) {
	if len(ranges) == 0 {
		return nil, kernel.New(moduleName, kernel.StatusInvalidInput, "no ranges supplied")
	}
	h := New[T]()
	for _, r := range ranges {
		if r.IsEmpty() {
			return nil, kernel.New(moduleName, kernel.StatusInvalidSpan, "empty range")
		}
		h.addPool(r)
	}
	return h, nil
}

func (h *Heap[T]) addPool(r addr.Range[T]) {
	h.totalSize += r.Size
	h.insertFree(&block[T]{start: r.Start, size: r.Size})
}

// insertFree adds a free block to both indices, coalescing with
// adjacent free neighbors first.
func (h *Heap[T]) insertFree(b *block[T]) {
	if prev, ok := h.addrNeighborBefore(b.start); ok && !prev.used && uint64(prev.end()) == uint64(b.start) {
		h.removeFromFreeIndex(prev)
		h.byAddr.Delete(prev)
		b.start = prev.start
		b.size += prev.size
	}
	if next, ok := h.byAddr.Get(&block[T]{start: b.end()}); ok && !next.used {
		h.removeFromFreeIndex(next)
		h.byAddr.Delete(next)
		b.size += next.size
	}
	b.used = false
	h.byAddr.ReplaceOrInsert(b)
	h.freeBySize.ReplaceOrInsert(b)
}

func (h *Heap[T]) addrNeighborBefore(start T) (*block[T], bool) {
	var found *block[T]
	h.byAddr.DescendLessOrEqual(&block[T]{start: start}, func(item *block[T]) bool {
		if uint64(item.start) < uint64(start) {
			found = item
		}
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

func (h *Heap[T]) removeFromFreeIndex(b *block[T]) {
	h.freeBySize.Delete(b)
}

// blockAt returns the block (free or used) whose range contains
// address, if any.
func (h *Heap[T]) blockAt(address T) (*block[T], bool) {
	var found *block[T]
	h.byAddr.DescendLessOrEqual(&block[T]{start: address}, func(item *block[T]) bool {
		if item.rng().Contains(address) || uint64(item.start) == uint64(address) {
			found = item
		}
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

func alignUp(v uint64, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	return (v + align - 1) &^ (align - 1)
}

// findFreeBlock returns the smallest free block able to satisfy size
// bytes at the given alignment, and the aligned start address within
// it.
func (h *Heap[T]) findFreeBlock(align, size uint64) (*block[T], T, bool) {
	var result *block[T]
	var alignedStart uint64
	// Seek to the first free block of at least size bytes, then walk
	// upward in size order until one also fits size bytes at the
	// requested alignment.
	probe := &block[T]{size: size}
	h.freeBySize.AscendGreaterOrEqual(probe, func(item *block[T]) bool {
		start := alignUp(uint64(item.start), align)
		if start+size <= uint64(item.end()) {
			result = item
			alignedStart = start
			return false
		}
		return true
	})
	if result == nil {
		return nil, T(0), false
	}
	return result, T(alignedStart), true
}

// splitBlockForAllocation carves [start, start+size) for allocation out
// of free block b, returning the now-used block. Any leading/trailing
// slack is reinserted as free blocks.
func (h *Heap[T]) splitBlockForAllocation(b *block[T], start T, size uint64) *block[T] {
	h.removeFromFreeIndex(b)
	h.byAddr.Delete(b)

	if uint64(start) > uint64(b.start) {
		lead := &block[T]{start: b.start, size: uint64(start) - uint64(b.start)}
		h.byAddr.ReplaceOrInsert(lead)
		h.freeBySize.ReplaceOrInsert(lead)
	}
	used := &block[T]{start: start, size: size, used: true}
	h.byAddr.ReplaceOrInsert(used)

	tailStart := uint64(start) + size
	if tailStart < uint64(b.end()) {
		tail := &block[T]{start: T(tailStart), size: uint64(b.end()) - tailStart}
		h.byAddr.ReplaceOrInsert(tail)
		h.freeBySize.ReplaceOrInsert(tail)
	}
	return used
}

func (h *Heap[T]) allocBestFit(align, size uint64) Allocation[T] {
	if size == 0 {
		return Allocation[T]{}
	}
	b, start, ok := h.findFreeBlock(align, size)
	if !ok {
		return Allocation[T]{}
	}
	used := h.splitBlockForAllocation(b, start, size)
	h.mallocCount++
	return Allocation[T]{start: used.start, size: used.size, valid: true}
}

// Malloc allocates size bytes at DefaultAlign, equivalent to
// aligned_alloc(alignof(std::max_align_t), size).
func (h *Heap[T]) Malloc(size uint64) Allocation[T] {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.allocBestFit(DefaultAlign, size)
}

// AlignedAlloc allocates size bytes at the given alignment.
func (h *Heap[T]) AlignedAlloc(align, size uint64) Allocation[T] {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.allocBestFit(align, size)
}

// AllocateAt allocates exactly [address, address+size); fails if any
// byte of the range is not free.
func (h *Heap[T]) AllocateAt(address T, size uint64) Allocation[T] {
	h.lock.Acquire()
	defer h.lock.Release()
	if size == 0 {
		return Allocation[T]{}
	}
	b, ok := h.blockAt(address)
	if !ok || b.used {
		return Allocation[T]{}
	}
	if uint64(address)+size > uint64(b.end()) {
		return Allocation[T]{}
	}
	used := h.splitBlockForAllocation(b, address, size)
	h.mallocCount++
	return Allocation[T]{start: used.start, size: used.size, valid: true}
}

// AllocateWithHint attempts to satisfy the allocation at hint first,
// falling back to ordinary best-fit placement if hint is unavailable.
func (h *Heap[T]) AllocateWithHint(align, size uint64, hint T) Allocation[T] {
	if size != 0 {
		aligned := T(alignUp(uint64(hint), align))
		if a := h.AllocateAt(aligned, size); !a.IsNull() {
			return a
		}
	}
	return h.AlignedAlloc(align, size)
}

// Reserve marks range as used in a single operation, requiring that
// every byte of range currently be free. Used to carve out boot-time
// reservations (the kernel image, MMIO windows) from a freshly created
// heap.
func (h *Heap[T]) Reserve(r addr.Range[T]) (Allocation[T], error) {
	h.lock.Acquire()
	defer h.lock.Release()
	if r.IsEmpty() {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusInvalidSpan, "empty range")
	}
	b, ok := h.blockAt(r.Start)
	if !ok {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusNotFound, "range not managed by this heap")
	}
	if b.used || uint64(r.End()) > uint64(b.end()) {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusNotAvailable, "range already in use")
	}
	used := h.splitBlockForAllocation(b, r.Start, r.Size)
	h.mallocCount++
	h.reserved += r.Size
	return Allocation[T]{start: used.start, size: used.size, valid: true}, nil
}

// Free releases a, returning its address range to the free pool.
func (h *Heap[T]) Free(a Allocation[T]) {
	if a.IsNull() {
		return
	}
	h.lock.Acquire()
	defer h.lock.Release()
	b, ok := h.byAddr.Get(&block[T]{start: a.start})
	if !ok || !b.used {
		return
	}
	h.byAddr.Delete(b)
	h.insertFree(b)
	h.freeCount++
}

// FreeAddress releases the used allocation beginning exactly at
// address. As in the original, misuse (an address that is not an
// allocation's start) is a silent no-op rather than an error: this
// entry point exists for callers that only retained the address.
func (h *Heap[T]) FreeAddress(address T) {
	h.lock.Acquire()
	b, ok := h.byAddr.Get(&block[T]{start: address})
	valid := ok && b.used
	h.lock.Release()
	if valid {
		h.Free(Allocation[T]{start: b.start, size: b.size, valid: true})
	}
}

// FindAllocation returns the live allocation whose start address is
// address.
func (h *Heap[T]) FindAllocation(address T) (Allocation[T], error) {
	h.lock.Acquire()
	defer h.lock.Release()
	b, ok := h.byAddr.Get(&block[T]{start: address})
	if !ok || !b.used {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusNotFound, "no allocation at address")
	}
	return Allocation[T]{start: b.start, size: b.size, valid: true}, nil
}

// Grow extends a in place to newSize, succeeding only if the
// immediately following block is free and large enough.
func (h *Heap[T]) Grow(a Allocation[T], newSize uint64) (Allocation[T], error) {
	h.lock.Acquire()
	defer h.lock.Release()
	if newSize < a.size {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusInvalidInput, "grow requires newSize >= current size")
	}
	b, ok := h.byAddr.Get(&block[T]{start: a.start})
	if !ok || !b.used {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusNotFound, "allocation not found")
	}
	need := newSize - b.size
	if need == 0 {
		return a, nil
	}
	next, ok := h.byAddr.Get(&block[T]{start: b.end()})
	if !ok || next.used || next.size < need {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusOutOfMemory, "no adjacent free space")
	}
	h.removeFromFreeIndex(next)
	h.byAddr.Delete(next)
	h.byAddr.Delete(b)
	b.size = newSize
	if next.size > need {
		tail := &block[T]{start: T(uint64(next.start) + need), size: next.size - need}
		h.byAddr.ReplaceOrInsert(tail)
		h.freeBySize.ReplaceOrInsert(tail)
	}
	h.byAddr.ReplaceOrInsert(b)
	return Allocation[T]{start: b.start, size: b.size, valid: true}, nil
}

// Shrink reduces a to newSize, returning the freed tail to the pool.
func (h *Heap[T]) Shrink(a Allocation[T], newSize uint64) (Allocation[T], error) {
	h.lock.Acquire()
	defer h.lock.Release()
	if newSize == 0 || newSize > a.size {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusInvalidInput, "shrink requires 0 < newSize <= current size")
	}
	b, ok := h.byAddr.Get(&block[T]{start: a.start})
	if !ok || !b.used {
		return Allocation[T]{}, kernel.New(moduleName, kernel.StatusNotFound, "allocation not found")
	}
	if newSize == b.size {
		return a, nil
	}
	h.byAddr.Delete(b)
	tail := &block[T]{start: T(uint64(b.start) + newSize), size: b.size - newSize}
	b.size = newSize
	h.byAddr.ReplaceOrInsert(b)
	h.insertFree(tail)
	return Allocation[T]{start: b.start, size: b.size, valid: true}, nil
}

// Resize dispatches to Grow or Shrink depending on the direction of
// the size change.
func (h *Heap[T]) Resize(a Allocation[T], newSize uint64) (Allocation[T], error) {
	switch {
	case newSize > a.size:
		return h.Grow(a, newSize)
	case newSize < a.size:
		return h.Shrink(a, newSize)
	default:
		return a, nil
	}
}

// Split divides a into two used allocations at midpoint, which must
// fall strictly inside a's range.
func (h *Heap[T]) Split(a Allocation[T], midpoint T) (lo, hi Allocation[T], err error) {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.splitLocked(a, midpoint)
}

func (h *Heap[T]) splitLocked(a Allocation[T], midpoint T) (lo, hi Allocation[T], err error) {
	if uint64(midpoint) <= uint64(a.start) || uint64(midpoint) >= uint64(a.start)+a.size {
		return Allocation[T]{}, Allocation[T]{}, kernel.New(moduleName, kernel.StatusInvalidInput, "midpoint must be strictly inside the allocation")
	}
	b, ok := h.byAddr.Get(&block[T]{start: a.start})
	if !ok || !b.used {
		return Allocation[T]{}, Allocation[T]{}, kernel.New(moduleName, kernel.StatusNotFound, "allocation not found")
	}
	h.byAddr.Delete(b)
	loBlock := &block[T]{start: b.start, size: uint64(midpoint) - uint64(b.start), used: true}
	hiBlock := &block[T]{start: midpoint, size: uint64(b.end()) - uint64(midpoint), used: true}
	h.byAddr.ReplaceOrInsert(loBlock)
	h.byAddr.ReplaceOrInsert(hiBlock)
	return Allocation[T]{start: loBlock.start, size: loBlock.size, valid: true},
		Allocation[T]{start: hiBlock.start, size: hiBlock.size, valid: true}, nil
}

// SplitV splits a at every point in points (which must be sorted,
// unique, and strictly inside a's range), producing len(points)+1
// allocations in ascending address order. The operation either fully
// succeeds or leaves a untouched.
func (h *Heap[T]) SplitV(a Allocation[T], points []T) ([]Allocation[T], error) {
	if err := validateSplitPoints(a, points); err != nil {
		return nil, err
	}
	h.lock.Acquire()
	defer h.lock.Release()
	return h.splitVLocked(a, points)
}

func validateSplitPoints[T addr.Address](a Allocation[T], points []T) error {
	if len(points) == 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "points must not be empty")
	}
	for i, p := range points {
		if uint64(p) <= uint64(a.start) || uint64(p) >= uint64(a.start)+a.size {
			return kernel.New(moduleName, kernel.StatusInvalidInput, "split point outside allocation")
		}
		if i > 0 && uint64(points[i-1]) >= uint64(p) {
			return kernel.New(moduleName, kernel.StatusInvalidInput, "points must be sorted and unique")
		}
	}
	return nil
}

// splitVLocked performs the split assuming h.lock is already held.
func (h *Heap[T]) splitVLocked(a Allocation[T], points []T) ([]Allocation[T], error) {
	b, ok := h.byAddr.Get(&block[T]{start: a.start})
	if !ok || !b.used {
		return nil, kernel.New(moduleName, kernel.StatusNotFound, "allocation not found")
	}
	h.byAddr.Delete(b)
	bounds := append([]T{b.start}, points...)
	bounds = append(bounds, b.end())
	out := make([]Allocation[T], 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		nb := &block[T]{start: bounds[i], size: uint64(bounds[i+1]) - uint64(bounds[i]), used: true}
		h.byAddr.ReplaceOrInsert(nb)
		out = append(out, Allocation[T]{start: nb.start, size: nb.size, valid: true})
	}
	return out, nil
}

// Stats reports the current heap bookkeeping counters.
func (h *Heap[T]) Stats() Stats {
	h.lock.Acquire()
	defer h.lock.Release()
	var used, free uint64
	h.byAddr.Ascend(func(b *block[T]) bool {
		if b.used {
			used += b.size
		} else {
			free += b.size
		}
		return true
	})
	return Stats{
		TotalSize:    h.totalSize,
		Reserved:     h.reserved,
		UsedMemory:   used,
		FreeMemory:   free,
		BlockCount:   h.byAddr.Len(),
		FreeListSize: h.freeBySize.Len(),
		MallocCount:  h.mallocCount,
		FreeCount:    h.freeCount,
	}
}

// Compact merges any adjacent free blocks left un-coalesced by prior
// operations. Every mutating operation on Heap already coalesces
// eagerly, so in steady state Compact is a no-op; it exists for parity
// with the original API and as a cheap post-hoc consistency pass.
func (h *Heap[T]) Compact() {
	h.lock.Acquire()
	defer h.lock.Release()
	var frees []*block[T]
	h.byAddr.Ascend(func(b *block[T]) bool {
		if !b.used {
			frees = append(frees, b)
		}
		return true
	})
	sort.Slice(frees, func(i, j int) bool { return uint64(frees[i].start) < uint64(frees[j].start) })
	for i := 0; i+1 < len(frees); i++ {
		a, b := frees[i], frees[i+1]
		if a == nil || b == nil {
			continue
		}
		if uint64(a.end()) == uint64(b.start) {
			h.byAddr.Delete(b)
			h.freeBySize.Delete(b)
			h.freeBySize.Delete(a)
			a.size += b.size
			h.freeBySize.ReplaceOrInsert(a)
			frees[i+1] = nil
		}
	}
}

// Reset discards every outstanding allocation, returning the heap to
// its freshly created state covering the same total address space.
func (h *Heap[T]) Reset() {
	h.lock.Acquire()
	defer h.lock.Release()
	var ranges []addr.Range[T]
	lo, hasLo := T(0), false
	var prevEnd T
	h.byAddr.Ascend(func(b *block[T]) bool {
		if !hasLo {
			lo = b.start
			hasLo = true
			prevEnd = b.end()
			return true
		}
		if uint64(b.start) != uint64(prevEnd) {
			ranges = append(ranges, addr.Range[T]{Start: lo, Size: uint64(prevEnd) - uint64(lo)})
			lo = b.start
		}
		prevEnd = b.end()
		return true
	})
	if hasLo {
		ranges = append(ranges, addr.Range[T]{Start: lo, Size: uint64(prevEnd) - uint64(lo)})
	}

	h.byAddr = btree.NewG(32, addrLess[T])
	h.freeBySize = btree.NewG(32, sizeLess[T])
	h.reserved = 0
	h.mallocCount = 0
	h.freeCount = 0
	for _, r := range ranges {
		h.insertFree(&block[T]{start: r.Start, size: r.Size})
	}
}

// Validate walks the heap's internal indices and panics via
// kernel.BugCheck if they are inconsistent: blocks must tile the
// managed space with no gaps or overlaps, and every free block must
// appear in the size index exactly once.
func (h *Heap[T]) Validate() {
	h.lock.Acquire()
	defer h.lock.Release()

	var prevEnd T
	first := true
	var total uint64
	h.byAddr.Ascend(func(b *block[T]) bool {
		if !first && uint64(b.start) != uint64(prevEnd) {
			kernel.BugCheck(moduleName, "heap blocks are not contiguous", h.dumpLocked())
		}
		first = false
		prevEnd = b.end()
		total += b.size
		if !b.used {
			if _, ok := h.freeBySize.Get(b); !ok {
				kernel.BugCheck(moduleName, "free block missing from size index", h.dumpLocked())
			}
		}
		return true
	})
	if total != h.totalSize {
		kernel.BugCheck(moduleName, "heap total size mismatch", h.dumpLocked())
	}
}
