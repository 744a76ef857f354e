package pt

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmcore/kernel"
	"vmcore/mem/addr"
	"vmcore/mem/pta"
)

// testArenaBase is an arbitrary non-zero, 4k-aligned physical base for
// the backing page-table arena; pta.Create rejects a zero PAddr.
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

func newTestTables(t *testing.T, frames uint64) (*Tables, *pta.Allocator) {
	t.Helper()
	backing := mmapArena(t, (frames+1)*addr.PageSize4K)
	base := addr.VirtualAddress(uintptr(unsafe.Pointer(&backing[0])))
	window := addr.PhysicalRange{Start: testArenaBase, Size: uint64(len(backing))}
	mem := addr.NewDirectMap(window, base)

	mapping := addr.AddressMapping{VAddr: base, PAddr: testArenaBase, Size: frames * addr.PageSize4K}
	alloc, err := pta.Create(mapping, addr.PageSize4K, mem)
	if err != nil {
		t.Fatalf("pta.Create: %v", err)
	}

	pb := NewPageBuilder(48, addr.DefaultPageMemoryTypeLayout(), true, true)
	tables, err := Create(pb, alloc, mem, addr.PageFlagAll)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tables, alloc
}

func TestMapUnmap4K(t *testing.T) {
	tables, _ := newTestTables(t, 32)
	const vaddr = addr.VirtualAddress(0x2000000)
	const paddr = addr.PhysicalAddress(0x300000)

	mapping := addr.AddressMapping{VAddr: vaddr, PAddr: paddr, Size: addr.PageSize4K}
	if err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}

	w := tables.Walk(vaddr)
	if !w.Mapped() || w.Size != PageSize4K {
		t.Fatalf("expected a mapped 4k leaf, got %+v", w)
	}
	got, err := tables.GetBackingAddress(vaddr)
	if err != nil || got != paddr {
		t.Fatalf("GetBackingAddress = %v, %v; want %v, nil", got, err, paddr)
	}
	flags, err := tables.GetMemoryFlags(vaddr)
	if err != nil || flags != addr.PageFlagData {
		t.Fatalf("GetMemoryFlags = %v, %v; want %v, nil", flags, err, addr.PageFlagData)
	}

	if err := tables.Unmap(mapping.VirtualRange()); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if tables.Walk(vaddr).Mapped() {
		t.Fatal("expected address to be unmapped")
	}
}

func TestMapChoosesLargerGranularity(t *testing.T) {
	tables, _ := newTestTables(t, 32)
	const vaddr = addr.VirtualAddress(addr.PageSize2M)
	const paddr = addr.PhysicalAddress(addr.PageSize2M)

	mapping := addr.AddressMapping{VAddr: vaddr, PAddr: paddr, Size: addr.PageSize2M}
	if err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := tables.GetPageSize(vaddr); got != PageSize2M {
		t.Fatalf("GetPageSize = %v, want 2M", got)
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	tables, _ := newTestTables(t, 32)
	mapping := addr.AddressMapping{VAddr: 0x400000, PAddr: 0x400000, Size: addr.PageSize4K}
	if err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack)
	if kernel.StatusOf(err) != kernel.StatusNotAvailable {
		t.Fatalf("expected StatusNotAvailable on remap, got %v", err)
	}
}

func TestPartial2MUnmapSplits(t *testing.T) {
	tables, _ := newTestTables(t, 32)
	const vaddr = addr.VirtualAddress(4 * addr.PageSize2M)
	const paddr = addr.PhysicalAddress(4 * addr.PageSize2M)

	mapping := addr.AddressMapping{VAddr: vaddr, PAddr: paddr, Size: addr.PageSize2M}
	if err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}

	hole := addr.VirtualRange{Start: vaddr + addr.PageSize4K, Size: addr.PageSize4K}
	if err := tables.Unmap(hole); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if !tables.Walk(vaddr).Mapped() {
		t.Fatal("page before the hole should remain mapped")
	}
	if tables.Walk(hole.Start).Mapped() {
		t.Fatal("the unmapped page should no longer be mapped")
	}
	after := vaddr + 2*addr.PageSize4K
	w := tables.Walk(after)
	if !w.Mapped() || w.Size != PageSize4K {
		t.Fatalf("page after the hole should be mapped at 4k, got %+v", w)
	}
	flags, err := tables.GetMemoryFlags(after)
	if err != nil || flags != addr.PageFlagData {
		t.Fatalf("split leaf lost its original flags: %v, %v", flags, err)
	}
}

func TestPartial1GUnmapUnsupported(t *testing.T) {
	tables, _ := newTestTables(t, 32)
	const vaddr = addr.VirtualAddress(addr.PageSize1G)
	const paddr = addr.PhysicalAddress(addr.PageSize1G)

	mapping := addr.AddressMapping{VAddr: vaddr, PAddr: paddr, Size: addr.PageSize1G}
	if err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}

	hole := addr.VirtualRange{Start: vaddr, Size: addr.PageSize4K}
	err := tables.Unmap(hole)
	if kernel.StatusOf(err) != kernel.StatusNotSupported {
		t.Fatalf("expected StatusNotSupported for partial 1g unmap, got %v", err)
	}
}

func TestCompactReclaimsEmptyTables(t *testing.T) {
	tables, alloc := newTestTables(t, 32)
	before := alloc.Stats().FreeBlocks

	mapping := addr.AddressMapping{VAddr: 0x600000, PAddr: 0x600000, Size: addr.PageSize4K}
	if err := tables.Map(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := tables.Unmap(mapping.VirtualRange()); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := alloc.Stats().FreeBlocks; got == before {
		t.Fatal("expected Unmap alone not to reclaim the now-empty leaf table")
	}

	tables.Compact()
	if got := alloc.Stats().FreeBlocks; got != before {
		t.Fatalf("Compact should reclaim every empty intermediate table: FreeBlocks = %d, want %d", got, before)
	}
}

func TestCommandListCommitMapsEverything(t *testing.T) {
	tables, alloc := newTestTables(t, 32)
	cl := NewCommandList(tables, alloc)
	defer cl.Drop()

	m1 := addr.AddressMapping{VAddr: 0x700000, PAddr: 0x700000, Size: addr.PageSize4K}
	m2 := addr.AddressMapping{VAddr: 0x701000, PAddr: 0x701000, Size: addr.PageSize4K}
	if err := cl.RecordMap(m1, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("RecordMap m1: %v", err)
	}
	if err := cl.RecordMap(m2, addr.PageFlagCode, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("RecordMap m2: %v", err)
	}
	if err := cl.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if !tables.Walk(m1.VAddr).Mapped() || !tables.Walk(m2.VAddr).Mapped() {
		t.Fatal("expected both queued mappings to take effect after Commit")
	}
	flags, _ := tables.GetMemoryFlags(m2.VAddr)
	if flags != addr.PageFlagCode {
		t.Fatalf("GetMemoryFlags(m2) = %v, want %v", flags, addr.PageFlagCode)
	}
}

func TestCommandListDropReturnsReservedFrames(t *testing.T) {
	tables, alloc := newTestTables(t, 32)
	before := alloc.Stats().FreeBlocks

	cl := NewCommandList(tables, alloc)
	mapping := addr.AddressMapping{VAddr: 0x800000, PAddr: 0x800000, Size: addr.PageSize2M}
	if err := cl.RecordMap(mapping, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("RecordMap: %v", err)
	}
	if got := alloc.Stats().FreeBlocks; got == before {
		t.Fatal("expected RecordMap to reserve frames up front")
	}
	cl.Drop()

	if got := alloc.Stats().FreeBlocks; got != before {
		t.Fatalf("Drop should return every reserved frame: FreeBlocks = %d, want %d", got, before)
	}
	if tables.Walk(mapping.VAddr).Mapped() {
		t.Fatal("Drop must not apply any queued operation")
	}
}

func TestCommandListRejectsOverlappingRecords(t *testing.T) {
	tables, alloc := newTestTables(t, 32)
	cl := NewCommandList(tables, alloc)
	defer cl.Drop()

	m1 := addr.AddressMapping{VAddr: 0x900000, PAddr: 0x900000, Size: 2 * addr.PageSize4K}
	if err := cl.RecordMap(m1, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("RecordMap m1: %v", err)
	}

	overlapping := addr.VirtualRange{Start: addr.VirtualAddress(0x900000 + addr.PageSize4K), Size: addr.PageSize4K}
	err := cl.RecordUnmap(overlapping)
	if kernel.StatusOf(err) != kernel.StatusInvalidData {
		t.Fatalf("RecordUnmap(overlapping) = %v, want InvalidData", err)
	}

	adjacent := addr.AddressMapping{VAddr: addr.VirtualAddress(uint64(m1.VAddr) + m1.Size), PAddr: 0x910000, Size: addr.PageSize4K}
	if err := cl.RecordMap(adjacent, addr.PageFlagData, addr.MemoryTypeWriteBack); err != nil {
		t.Fatalf("RecordMap(adjacent) should be allowed: %v", err)
	}
}
