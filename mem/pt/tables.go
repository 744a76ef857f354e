// Package pt implements the 4-level x86-64 page-table hierarchy:
// mapping and unmapping virtual ranges at 4 KiB/2 MiB/1 GiB
// granularity, walking a translation, and reclaiming now-empty
// intermediate tables.
package pt

import (
	"vmcore/kernel"
	"vmcore/kernel/sync"
	"vmcore/mem/addr"
	"vmcore/mem/pta"
)

const moduleName = "pt"

// FrameSource supplies the zero-filled 4 KiB frames Tables uses for
// intermediate and leaf page tables. *pta.Allocator is the production
// implementation; the command list substitutes a pre-reserved pool so
// that Commit can never fail with OutOfMemory partway through a batch.
type FrameSource interface {
	Allocate(blocks uint64) pta.Allocation
	Deallocate(pta.Allocation)
}

// Tables owns one PML4 hierarchy — one address space's worth of
// translations — allocating intermediate and leaf page tables from a
// shared Page-Table Allocator.
type Tables struct {
	lock sync.Spinlock

	pb          *PageBuilder
	alloc       FrameSource
	mem         addr.Memory
	root        addr.PhysicalAddress
	middleFlags addr.PageFlags
}

// Create builds an empty address space (a freshly zeroed PML4) backed
// by alloc.
func Create(pb *PageBuilder, alloc FrameSource, mem addr.Memory, middleFlags addr.PageFlags) (*Tables, error) {
	rootAlloc := alloc.Allocate(1)
	if rootAlloc.Size == 0 {
		return nil, kernel.New(moduleName, kernel.StatusOutOfMemory, "failed to allocate root page table")
	}
	return &Tables{pb: pb, alloc: alloc, mem: mem, root: rootAlloc.PAddr, middleFlags: middleFlags}, nil
}

// Root returns the physical address of the PML4, the value a CR3 load
// (or its moral equivalent) would use.
func (t *Tables) Root() addr.PhysicalAddress { return t.root }

func (t *Tables) freeFrame(paddr addr.PhysicalAddress) {
	t.alloc.Deallocate(pta.Allocation{PAddr: paddr, Size: addr.PageSize4K})
}

// getOrCreateTable returns the physical address of the next-level
// table referenced by parent's entry at index, allocating and zeroing
// a fresh one if the entry is not yet present.
func (t *Tables) getOrCreateTable(parent tableRef, index int) (addr.PhysicalAddress, error) {
	e := parent.get(index)
	if e.Present() {
		if e.Huge() {
			return 0, kernel.New(moduleName, kernel.StatusInvalidData, "cannot descend through a huge-page entry")
		}
		return e.Address(), nil
	}
	a := t.alloc.Allocate(1)
	if a.Size == 0 {
		return 0, kernel.New(moduleName, kernel.StatusOutOfMemory, "failed to allocate page table")
	}
	parent.set(index, t.pb.EncodeTable(a.PAddr))
	return a.PAddr, nil
}

// chooseSize picks the largest page size that evenly covers the next
// portion of mapping starting at offset.
func (t *Tables) chooseSize(vaddr addr.VirtualAddress, paddr addr.PhysicalAddress, remaining uint64) PageSize {
	if t.pb.Supports1G() && remaining >= addr.PageSize1G &&
		vaddr.IsAligned(addr.PageSize1G) && paddr.IsAligned(addr.PageSize1G) {
		return PageSize1G
	}
	if remaining >= addr.PageSize2M && vaddr.IsAligned(addr.PageSize2M) && paddr.IsAligned(addr.PageSize2M) {
		return PageSize2M
	}
	return PageSize4K
}

// Map establishes translations for mapping.VirtualRange(), allocating
// whatever intermediate and leaf page tables are required. It opportunistically
// uses 2 MiB and (if supported) 1 GiB leaves wherever alignment and
// remaining size allow, falling back to 4 KiB pages otherwise.
func (t *Tables) Map(mapping addr.AddressMapping, flags addr.PageFlags, memType addr.MemoryType) error {
	if mapping.Size == 0 || !mapping.VAddr.IsAligned(addr.PageSize4K) || !mapping.PAddr.IsAligned(addr.PageSize4K) || mapping.Size%addr.PageSize4K != 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "mapping must be 4k-aligned in address and size")
	}

	t.lock.Acquire()
	defer t.lock.Release()

	v, p, remaining := mapping.VAddr, mapping.PAddr, mapping.Size
	for remaining > 0 {
		size := t.chooseSize(v, p, remaining)
		if err := t.mapLeaf(v, p, size, flags, memType); err != nil {
			return err
		}
		v = addr.VirtualAddress(uint64(v) + size.Bytes())
		p = addr.PhysicalAddress(uint64(p) + size.Bytes())
		remaining -= size.Bytes()
	}
	return nil
}

func (t *Tables) mapLeaf(v addr.VirtualAddress, p addr.PhysicalAddress, size PageSize, flags addr.PageFlags, memType addr.MemoryType) error {
	pml4 := tableRef{mem: t.mem, paddr: t.root}
	pdptPaddr, err := t.getOrCreateTable(pml4, pml4Index(v))
	if err != nil {
		return err
	}
	pdpt := tableRef{mem: t.mem, paddr: pdptPaddr}

	if size == PageSize1G {
		// Remapping a present leaf returns NotAvailable rather than
		// rewriting it in place; spec.md's map state machine allows
		// Large->Large leaf rewrites, but callers that want that use
		// Unmap then Map, so a stray double-Map is never silently lossy.
		if e := pdpt.get(pdptIndex(v)); e.Present() {
			return kernel.New(moduleName, kernel.StatusNotAvailable, "address already mapped")
		}
		pdpt.set(pdptIndex(v), t.pb.EncodeLeaf(p, flags, memType, true))
		return nil
	}

	pdPaddr, err := t.getOrCreateTable(pdpt, pdptIndex(v))
	if err != nil {
		return err
	}
	pd := tableRef{mem: t.mem, paddr: pdPaddr}

	if size == PageSize2M {
		if e := pd.get(pdIndex(v)); e.Present() {
			return kernel.New(moduleName, kernel.StatusNotAvailable, "address already mapped")
		}
		pd.set(pdIndex(v), t.pb.EncodeLeaf(p, flags, memType, true))
		return nil
	}

	ptPaddr, err := t.getOrCreateTable(pd, pdIndex(v))
	if err != nil {
		return err
	}
	pg := tableRef{mem: t.mem, paddr: ptPaddr}
	if e := pg.get(ptIndex(v)); e.Present() {
		return kernel.New(moduleName, kernel.StatusNotAvailable, "address already mapped")
	}
	pg.set(ptIndex(v), t.pb.EncodeLeaf(p, flags, memType, false))
	return nil
}

// MapRange is equivalent to Map but takes a physical range and a
// target virtual address directly, matching the original's
// `map(MemoryRange, vaddr, ...)` overload used when only a range (not
// an already-paired AddressMapping) is at hand.
func (t *Tables) MapRange(phys addr.PhysicalRange, vaddr addr.VirtualAddress, flags addr.PageFlags, memType addr.MemoryType) error {
	return t.Map(addr.AddressMapping{VAddr: vaddr, PAddr: phys.Start, Size: phys.Size}, flags, memType)
}

// Unmap clears every translation overlapping rng, splitting large
// pages into smaller ones as needed to avoid unmapping more than was
// asked. Addresses in rng that are not mapped are silently skipped.
func (t *Tables) Unmap(rng addr.VirtualRange) error {
	if rng.IsEmpty() {
		return nil
	}
	t.lock.Acquire()
	defer t.lock.Release()
	return t.unmapLocked(rng)
}

func (t *Tables) unmapLocked(rng addr.VirtualRange) error {
	v := rng.Start.AlignDown(addr.PageSize4K)
	for uint64(v) < uint64(rng.End()) {
		w := t.walkUnlocked(v)
		if !w.Mapped() {
			v = addr.VirtualAddress(uint64(v) + addr.PageSize4K)
			continue
		}
		size := w.Size.Bytes()
		leafStart := addr.VirtualAddress(uint64(v) &^ (size - 1))
		leafRange := addr.VirtualRange{Start: leafStart, Size: size}

		if rng.ContainsRange(leafRange) {
			t.clearLeaf(w, leafRange)
			v = leafRange.End()
			continue
		}

		switch w.Size {
		case PageSize2M:
			if err := t.split2mMapping(w, leafRange, rng); err != nil {
				return err
			}
			// Re-walk the same address now that it resolves through
			// the new 4k sub-table.
		case PageSize1G:
			return kernel.New(moduleName, kernel.StatusNotSupported, "partial unmap of a 1g page is not supported")
		default:
			// A 4k leaf can only be "partially" overlapped if rng's
			// bounds are not 4k-aligned; clear it outright.
			t.clearLeaf(w, leafRange)
			v = leafRange.End()
		}
	}
	return nil
}

// clearLeaf removes the mapping covering leafRange (whatever its
// size) and, if it was the final present entry in its parent table,
// that is left for Compact to reclaim.
func (t *Tables) clearLeaf(w PageWalk, leafRange addr.VirtualRange) {
	switch w.Size {
	case PageSize1G:
		pdpt := tableRef{mem: t.mem, paddr: w.PML4Entry.Address()}
		pdpt.set(pdptIndex(leafRange.Start), 0)
	case PageSize2M:
		pd := tableRef{mem: t.mem, paddr: w.PDPTEntry.Address()}
		pd.set(pdIndex(leafRange.Start), 0)
	case PageSize4K:
		pg := tableRef{mem: t.mem, paddr: w.PDEntry.Address()}
		pg.set(ptIndex(leafRange.Start), 0)
	}
}

// Unmap2M is equivalent to Unmap but requires rng to be 2 MiB aligned
// and never allocates new page tables: it can only clear whole 2 MiB
// (or larger) leaves, matching the original's non-allocating
// `unmap2m` used on hot paths that must not fail with OutOfMemory.
func (t *Tables) Unmap2M(rng addr.VirtualRange) error {
	if rng.IsEmpty() || !rng.Start.IsAligned(addr.PageSize2M) || rng.Size%addr.PageSize2M != 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "range must be 2m-aligned")
	}
	t.lock.Acquire()
	defer t.lock.Release()

	v := rng.Start
	for uint64(v) < uint64(rng.End()) {
		w := t.walkUnlocked(v)
		if w.Mapped() && w.Size != PageSize4K {
			leafStart := addr.VirtualAddress(uint64(v) &^ (w.Size.Bytes() - 1))
			if !rng.ContainsRange(addr.VirtualRange{Start: leafStart, Size: w.Size.Bytes()}) {
				return kernel.New(moduleName, kernel.StatusInvalidInput, "range does not align with an existing large page")
			}
			t.clearLeaf(w, addr.VirtualRange{Start: leafStart, Size: w.Size.Bytes()})
		}
		v = addr.VirtualAddress(uint64(v) + addr.PageSize2M)
	}
	return nil
}

// split2mMapping converts the 2m leaf covering page into a freshly
// allocated 4k sub-table carrying the same flags and memory type on
// every page except those inside erase, which are left unmapped.
func (t *Tables) split2mMapping(w PageWalk, page addr.VirtualRange, erase addr.VirtualRange) error {
	sub := t.alloc.Allocate(1)
	if sub.Size == 0 {
		return kernel.New(moduleName, kernel.StatusOutOfMemory, "failed to allocate page table for split")
	}
	pt := tableRef{mem: t.mem, paddr: sub.PAddr}

	flags := t.pb.DecodeFlags(w.PDEntry)
	memType := t.pb.DecodeMemoryType(w.PDEntry, true)
	basePAddr := w.PDEntry.Address()

	for i := 0; i < entriesPerTable; i++ {
		pageVAddr := addr.VirtualAddress(uint64(page.Start) + uint64(i)*addr.PageSize4K)
		if erase.Contains(pageVAddr) {
			continue
		}
		pagePAddr := addr.PhysicalAddress(uint64(basePAddr) + uint64(i)*addr.PageSize4K)
		pt.set(i, t.pb.EncodeLeaf(pagePAddr, flags, memType, false))
	}

	pd := tableRef{mem: t.mem, paddr: w.PDPTEntry.Address()}
	pd.set(pdIndex(page.Start), t.pb.EncodeTable(sub.PAddr))
	return nil
}

// Walk translates v and reports the state of every level traversed.
func (t *Tables) Walk(v addr.VirtualAddress) PageWalk {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.walkUnlocked(v)
}

// GetBackingAddress returns the physical address v currently
// translates to.
func (t *Tables) GetBackingAddress(v addr.VirtualAddress) (addr.PhysicalAddress, error) {
	w := t.Walk(v)
	if !w.Mapped() {
		return 0, kernel.New(moduleName, kernel.StatusNotFound, "address is not mapped")
	}
	leafStart := addr.VirtualAddress(uint64(v) &^ (w.Size.Bytes() - 1))
	offset := uint64(v) - uint64(leafStart)
	return addr.PhysicalAddress(uint64(w.leafEntry().Address()) + offset), nil
}

// GetMemoryFlags returns the permission flags governing v.
func (t *Tables) GetMemoryFlags(v addr.VirtualAddress) (addr.PageFlags, error) {
	w := t.Walk(v)
	if !w.Mapped() {
		return addr.PageFlagNone, kernel.New(moduleName, kernel.StatusNotFound, "address is not mapped")
	}
	return t.pb.DecodeFlags(w.leafEntry()), nil
}

// GetPageSize returns the granularity v is mapped at.
func (t *Tables) GetPageSize(v addr.VirtualAddress) PageSize {
	return t.Walk(v).Size
}

// Compact walks the entire hierarchy and reclaims any intermediate
// table left with no present entries, returning its frame to the
// allocator. Unmap never does this automatically; Compact is the only
// path that reclaims empty middle tables.
func (t *Tables) Compact() {
	t.lock.Acquire()
	defer t.lock.Release()

	pml4 := tableRef{mem: t.mem, paddr: t.root}
	for i := 0; i < entriesPerTable; i++ {
		e := pml4.get(i)
		if !e.Present() || e.Huge() {
			continue
		}
		pdpt := tableRef{mem: t.mem, paddr: e.Address()}
		if t.compactPDPT(pdpt) {
			t.freeFrame(e.Address())
			pml4.set(i, 0)
		}
	}
}

func (t *Tables) compactPDPT(pdpt tableRef) (empty bool) {
	empty = true
	for j := 0; j < entriesPerTable; j++ {
		e := pdpt.get(j)
		if !e.Present() {
			continue
		}
		if e.Huge() {
			empty = false
			continue
		}
		pd := tableRef{mem: t.mem, paddr: e.Address()}
		if t.compactPD(pd) {
			t.freeFrame(e.Address())
			pdpt.set(j, 0)
		} else {
			empty = false
		}
	}
	return empty
}

func (t *Tables) compactPD(pd tableRef) (empty bool) {
	empty = true
	for k := 0; k < entriesPerTable; k++ {
		e := pd.get(k)
		if !e.Present() {
			continue
		}
		if e.Huge() {
			empty = false
			continue
		}
		pg := tableRef{mem: t.mem, paddr: e.Address()}
		if pg.isEmpty() {
			t.freeFrame(e.Address())
			pd.set(k, 0)
		} else {
			empty = false
		}
	}
	return empty
}
