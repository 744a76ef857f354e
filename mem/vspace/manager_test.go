package vspace

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmcore/mem/addr"
	"vmcore/mem/pfh"
	"vmcore/mem/pt"
)

// mmapArena backs a test arena with real page-aligned anonymous memory
// instead of make([]byte, ...), whose backing array has no page-alignment
// guarantee, so DirectMap slide arithmetic exercises real page boundaries.
func mmapArena(t *testing.T, size uint64) []byte {
	t.Helper()
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(b) })
	return b
}

func newTestManager(t *testing.T, pteFrames uint64, vrangeSize uint64) (*Manager, *pfh.Heap[addr.PhysicalAddress]) {
	t.Helper()
	backing := mmapArena(t, (pteFrames+1)*addr.PageSize4K)
	base := addr.VirtualAddress(uintptr(unsafe.Pointer(&backing[0])))
	window := addr.PhysicalRange{Start: addr.PageSize4K, Size: uint64(len(backing))}
	mem := addr.NewDirectMap(window, base)

	pteArena := addr.AddressMapping{VAddr: base, PAddr: addr.PageSize4K, Size: pteFrames * addr.PageSize4K}
	pb := pt.NewPageBuilder(48, addr.DefaultPageMemoryTypeLayout(), true, true)
	vrange := addr.VirtualRange{Start: addr.VirtualAddress(0x1000_0000_0000), Size: vrangeSize}

	mgr, err := Create(pb, mem, pteArena, addr.PageFlagAll, vrange)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	phys, err := pfh.Create(addr.PhysicalRange{Start: 0x1000_0000, Size: 0x100_0000})
	if err != nil {
		t.Fatalf("pfh.Create: %v", err)
	}
	return mgr, phys
}

func TestManagerMapUnmapWhole(t *testing.T) {
	mgr, phys := newTestManager(t, 32, 0x100_0000)

	mapping, err := mgr.Map(phys, addr.PageSize4K, addr.PageSize4K, addr.PageFlagData, addr.MemoryTypeWriteBack)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	seg, err := mgr.QuerySegment(mapping.VAddr)
	if err != nil {
		t.Fatalf("QuerySegment: %v", err)
	}
	if seg.VRange != mapping.VirtualRange() {
		t.Fatalf("segment range = %v, want %v", seg.VRange, mapping.VirtualRange())
	}

	got, err := mgr.Tables().GetBackingAddress(mapping.VAddr)
	if err != nil || got != mapping.PAddr {
		t.Fatalf("GetBackingAddress = %v, %v; want %v, nil", got, err, mapping.PAddr)
	}

	if err := mgr.Unmap(phys, mapping.VirtualRange()); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := mgr.QuerySegment(mapping.VAddr); err == nil {
		t.Fatal("expected QuerySegment to fail after unmap")
	}
	if mgr.Tables().GetPageSize(mapping.VAddr) != pt.PageSizeNone {
		t.Fatal("expected address to be unmapped")
	}

	st := phys.Stats()
	if st.UsedMemory != 0 {
		t.Fatalf("phys heap should be fully reclaimed, used = %d", st.UsedMemory)
	}
}

func TestManagerUnmapFrontAndBack(t *testing.T) {
	mgr, phys := newTestManager(t, 32, 0x100_0000)

	mapping, err := mgr.Map(phys, 4*addr.PageSize4K, addr.PageSize4K, addr.PageFlagData, addr.MemoryTypeWriteBack)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	front := addr.VirtualRange{Start: mapping.VAddr, Size: addr.PageSize4K}
	if err := mgr.Unmap(phys, front); err != nil {
		t.Fatalf("Unmap front: %v", err)
	}
	if mgr.Tables().GetPageSize(mapping.VAddr) != pt.PageSizeNone {
		t.Fatal("expected front page unmapped")
	}
	remainderStart := addr.VirtualAddress(uint64(mapping.VAddr) + addr.PageSize4K)
	seg, err := mgr.QuerySegment(remainderStart)
	if err != nil {
		t.Fatalf("QuerySegment after front cut: %v", err)
	}
	if seg.VRange.Start != remainderStart || seg.VRange.Size != 3*addr.PageSize4K {
		t.Fatalf("unexpected remainder segment: %+v", seg)
	}
	gotP, err := mgr.Tables().GetBackingAddress(remainderStart)
	if err != nil || gotP != addr.PhysicalAddress(uint64(mapping.PAddr)+addr.PageSize4K) {
		t.Fatalf("GetBackingAddress after front cut = %v, %v", gotP, err)
	}

	back := addr.VirtualRange{Start: addr.VirtualAddress(uint64(mapping.VAddr) + 3*addr.PageSize4K), Size: addr.PageSize4K}
	if err := mgr.Unmap(phys, back); err != nil {
		t.Fatalf("Unmap back: %v", err)
	}
	seg, err = mgr.QuerySegment(remainderStart)
	if err != nil {
		t.Fatalf("QuerySegment after back cut: %v", err)
	}
	if seg.VRange.Size != 2*addr.PageSize4K {
		t.Fatalf("unexpected segment size after back cut: %+v", seg)
	}
}

func TestManagerUnmapInterior(t *testing.T) {
	mgr, phys := newTestManager(t, 32, 0x100_0000)

	mapping, err := mgr.Map(phys, 4*addr.PageSize4K, addr.PageSize4K, addr.PageFlagData, addr.MemoryTypeWriteBack)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	mid := addr.VirtualRange{Start: addr.VirtualAddress(uint64(mapping.VAddr) + addr.PageSize4K), Size: 2 * addr.PageSize4K}
	if err := mgr.Unmap(phys, mid); err != nil {
		t.Fatalf("Unmap interior: %v", err)
	}

	lo, err := mgr.QuerySegment(mapping.VAddr)
	if err != nil || lo.VRange.Size != addr.PageSize4K {
		t.Fatalf("lo segment = %+v, %v", lo, err)
	}
	hiStart := addr.VirtualAddress(uint64(mapping.VAddr) + 3*addr.PageSize4K)
	hi, err := mgr.QuerySegment(hiStart)
	if err != nil || hi.VRange.Size != addr.PageSize4K {
		t.Fatalf("hi segment = %+v, %v", hi, err)
	}
	if mgr.Tables().GetPageSize(mid.Start) != pt.PageSizeNone {
		t.Fatal("expected interior pages unmapped")
	}
}

func TestManagerMapShared(t *testing.T) {
	owner, phys := newTestManager(t, 32, 0x100_0000)
	sharer, _ := newTestManager(t, 32, 0x100_0000)

	mapping, err := owner.Map(phys, addr.PageSize4K, addr.PageSize4K, addr.PageFlagData, addr.MemoryTypeWriteBack)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	vrange, err := sharer.MapShared(owner, mapping.VirtualRange(), addr.PageFlagData, addr.MemoryTypeWriteBack)
	if err != nil {
		t.Fatalf("MapShared: %v", err)
	}
	got, err := sharer.Tables().GetBackingAddress(vrange.Start)
	if err != nil || got != mapping.PAddr {
		t.Fatalf("shared GetBackingAddress = %v, %v; want %v, nil", got, err, mapping.PAddr)
	}

	// Unmapping the shared segment must not free the owner's frames.
	if err := sharer.Unmap(phys, vrange); err != nil {
		t.Fatalf("Unmap shared: %v", err)
	}
	if st := phys.Stats(); st.UsedMemory == 0 {
		t.Fatal("owner's allocation must survive the sharer's unmap")
	}
	got, err = owner.Tables().GetBackingAddress(mapping.VAddr)
	if err != nil || got != mapping.PAddr {
		t.Fatalf("owner mapping disturbed by sharer unmap: %v, %v", got, err)
	}
}
