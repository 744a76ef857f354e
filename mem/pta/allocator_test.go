package pta

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmcore/mem/addr"
)

// testArenaBase is an arbitrary non-zero, blockSize-aligned physical
// base: Create rejects a zero PAddr since zero doubles as the "unset"
// value for PhysicalAddress elsewhere in vmcore.
const testArenaBase = addr.PageSize4K

// mmapArena backs a test arena with real page-aligned anonymous memory
// instead of make([]byte, ...), whose backing array has no page-alignment
// guarantee, so DirectMap slide arithmetic and zero-fill checks exercise
// real page boundaries.
func mmapArena(t *testing.T, size uint64) []byte {
	t.Helper()
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(b) })
	return b
}

func newTestAllocator(t *testing.T, blocks uint64) (*Allocator, []byte) {
	t.Helper()
	const blockSize = addr.PageSize4K
	backing := mmapArena(t, blocks*blockSize+4096) // +slack so DirectMap's slide arithmetic never panics
	// Treat the backing slice's address as physical address testArenaBase
	// via a direct map whose slide bridges the two.
	base := addr.VirtualAddress(uintptr(unsafe.Pointer(&backing[0])))
	window := addr.PhysicalRange{Start: testArenaBase, Size: uint64(len(backing))}
	mem := addr.NewDirectMap(window, base)

	mapping := addr.AddressMapping{VAddr: base, PAddr: testArenaBase, Size: blocks * blockSize}
	a, err := Create(mapping, blockSize, mem)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a, backing
}

func TestAllocateZeroFilledAndDeallocate(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	alloc := a.Allocate(2)
	if alloc.Size == 0 {
		t.Fatal("expected successful allocation")
	}
	if got := a.Stats().FreeBlocks; got != 2 {
		t.Fatalf("FreeBlocks = %d, want 2", got)
	}
	a.Deallocate(alloc)
	if got := a.Stats().FreeBlocks; got != 4 {
		t.Fatalf("FreeBlocks after dealloc = %d, want 4", got)
	}
}

func TestAllocateListAcrossFragments(t *testing.T) {
	a, _ := newTestAllocator(t, 8)
	first := a.Allocate(3)
	second := a.Allocate(3)
	// Return both 3-block runs. Deallocate does not coalesce, so the
	// free list is left as three separate runs: frames 3-5, frames 0-2,
	// and the 2-block tail (frames 6-7).
	a.Deallocate(first)
	a.Deallocate(second)

	list, err := a.AllocateList(6)
	if err != nil {
		t.Fatalf("AllocateList: %v", err)
	}
	if list.BlockCount(addr.PageSize4K) != 6 {
		t.Fatalf("BlockCount = %d, want 6", list.BlockCount(addr.PageSize4K))
	}
	a.DeallocateList(list)
	if got := a.Stats().FreeBlocks; got != 8 {
		t.Fatalf("FreeBlocks after DeallocateList = %d, want 8", got)
	}
}

func TestReleaseMemoryShrinksFreeRun(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	rng := addr.PhysicalRange{Start: testArenaBase, Size: 2 * addr.PageSize4K}
	if err := a.ReleaseMemory(rng); err != nil {
		t.Fatalf("ReleaseMemory: %v", err)
	}
	if got := a.Stats().FreeBlocks; got != 2 {
		t.Fatalf("FreeBlocks after release = %d, want 2", got)
	}
	alloc := a.Allocate(3)
	if alloc.Size != 0 {
		t.Fatal("expected released frames to no longer be allocatable")
	}
}

func TestReleaseMemoryRejectsUnknownRange(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	rng := addr.PhysicalRange{Start: testArenaBase + 0x10_0000, Size: addr.PageSize4K}
	err := a.ReleaseMemory(rng)
	if err == nil {
		t.Fatal("expected ReleaseMemory to reject a range outside every arena")
	}
}

func TestReleaseMemoryBugChecksOnAllocatedOverlap(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	alloc := a.Allocate(2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected ReleaseMemory to bugcheck on an allocated overlap")
		}
	}()
	_ = a.ReleaseMemory(addr.PhysicalRange{Start: alloc.PAddr, Size: alloc.Size})
}

func TestDefragmentMergesAdjacentRuns(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	r1 := a.Allocate(1)
	r2 := a.Allocate(1)
	a.Deallocate(r1)
	a.Deallocate(r2)
	a.Defragment()
	stats := a.Stats()
	if stats.LargestBlock < 2 {
		t.Fatalf("expected defragment to merge adjacent runs, largest=%d", stats.LargestBlock)
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	a, _ := newTestAllocator(t, 2)
	if alloc := a.Allocate(3); alloc.Size != 0 {
		t.Fatal("expected allocation larger than pool to fail")
	}
}
