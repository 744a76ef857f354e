package vspace

import (
	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/sync"
	"vmcore/mem/addr"
	"vmcore/mem/pfh"
	"vmcore/mem/pt"
	"vmcore/mem/pta"
)

// Manager is the per-address-space view layered on top of a shared
// Physical Frame Heap and a private page-table hierarchy: it allocates
// virtual placement, installs mappings, and records the resulting
// segment in an address-ordered map.
//
// A Manager does not own the physical frames its segments point at —
// the caller's shared PFH does — it only owns the virtual placement
// heap, the page tables, and the bookkeeping that ties the two
// together.
type Manager struct {
	lock sync.Spinlock

	tables   *pt.Tables
	ptaAlloc *pta.Allocator
	vheap    *pfh.Heap[addr.VirtualAddress]
	segments *btree.BTreeG[*segmentEntry]
}

// Stats reports a Manager's segment bookkeeping and virtual placement
// heap statistics.
type Stats struct {
	SegmentCount int
	VirtualHeap  pfh.Stats
}

// Create builds an address space covering virtualRange, backed by a
// fresh page-table hierarchy rooted in pteArena (the pre-mapped window
// the page-table allocator drains frames from).
func Create(pb *pt.PageBuilder, pteMem addr.Memory, pteArena addr.AddressMapping, middleFlags addr.PageFlags, virtualRange addr.VirtualRange) (*Manager, error) {
	ptaAlloc, err := pta.Create(pteArena, addr.PageSize4K, pteMem)
	if err != nil {
		return nil, err
	}
	tables, err := pt.Create(pb, ptaAlloc, pteMem, middleFlags)
	if err != nil {
		return nil, err
	}
	vheap, err := pfh.Create(virtualRange)
	if err != nil {
		return nil, err
	}
	return &Manager{
		tables:   tables,
		ptaAlloc: ptaAlloc,
		vheap:    vheap,
		segments: btree.NewG(32, segLess),
	}, nil
}

// Tables exposes the underlying page-table hierarchy, for callers
// (e.g. userptr.Verify, a scheduler loading CR3) that need the raw
// translation surface rather than the segment-level view.
func (m *Manager) Tables() *pt.Tables { return m.tables }

func (m *Manager) insertSegmentLocked(seg AddressSegment) {
	m.segments.ReplaceOrInsert(&segmentEntry{start: seg.VRange.Start, seg: seg})
}

// segmentBeforeOrAtLocked returns the segment whose start is the
// greatest one <= addr, if any.
func (m *Manager) segmentBeforeOrAtLocked(a addr.VirtualAddress) (*segmentEntry, bool) {
	var found *segmentEntry
	m.segments.DescendLessOrEqual(&segmentEntry{start: a}, func(item *segmentEntry) bool {
		found = item
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// QuerySegment returns the segment covering addr.
func (m *Manager) QuerySegment(a addr.VirtualAddress) (AddressSegment, error) {
	m.lock.Acquire()
	defer m.lock.Release()
	entry, ok := m.segmentBeforeOrAtLocked(a)
	if !ok || !entry.seg.VRange.Contains(a) {
		return AddressSegment{}, kernel.New(moduleName, kernel.StatusNotFound, "no segment covers address")
	}
	return entry.seg, nil
}

// segmentsIntersectingLocked returns every segment overlapping rng, in
// address order. Caller must hold m.lock.
func (m *Manager) segmentsIntersectingLocked(rng addr.VirtualRange) []AddressSegment {
	var out []AddressSegment
	// A segment starting strictly before rng can still overlap it, so
	// start the scan from the segment at-or-before rng.Start.
	start := rng.Start
	if entry, ok := m.segmentBeforeOrAtLocked(rng.Start); ok && entry.seg.VRange.Overlaps(rng) {
		start = entry.start
	}
	m.segments.AscendGreaterOrEqual(&segmentEntry{start: start}, func(item *segmentEntry) bool {
		if uint64(item.start) >= uint64(rng.End()) {
			return false
		}
		if item.seg.VRange.Overlaps(rng) {
			out = append(out, item.seg)
		}
		return true
	})
	return out
}

// SegmentsIntersecting is the locked, exported form other Managers use
// to discover the segments they want to share a mapping of.
func (m *Manager) SegmentsIntersecting(rng addr.VirtualRange) []AddressSegment {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.segmentsIntersectingLocked(rng)
}

// Stats reports the segment count and virtual placement heap stats.
func (m *Manager) Stats() Stats {
	m.lock.Acquire()
	defer m.lock.Release()
	return Stats{SegmentCount: m.segments.Len(), VirtualHeap: m.vheap.Stats()}
}

// Map allocates size bytes of physical memory from phys (the shared
// system-wide frame heap), places it at a freshly allocated aligned
// virtual range, installs the page-table mapping, and records the
// resulting segment.
func (m *Manager) Map(phys *pfh.Heap[addr.PhysicalAddress], size, align uint64, flags addr.PageFlags, memType addr.MemoryType) (addr.AddressMapping, error) {
	if size == 0 {
		return addr.AddressMapping{}, kernel.New(moduleName, kernel.StatusInvalidInput, "zero-length mapping")
	}

	palloc := phys.AlignedAlloc(align, size)
	if palloc.IsNull() {
		return addr.AddressMapping{}, kernel.New(moduleName, kernel.StatusOutOfMemory, "no physical frames available")
	}

	m.lock.Acquire()
	defer m.lock.Release()

	valloc := m.vheap.AlignedAlloc(align, size)
	if valloc.IsNull() {
		phys.Free(palloc)
		return addr.AddressMapping{}, kernel.New(moduleName, kernel.StatusOutOfMemory, "no virtual range available")
	}

	mapping := addr.AddressMapping{VAddr: valloc.Address(), PAddr: palloc.Address(), Size: size}
	if err := m.tables.Map(mapping, flags, memType); err != nil {
		m.tables.Unmap(mapping.VirtualRange())
		m.vheap.Free(valloc)
		phys.Free(palloc)
		return addr.AddressMapping{}, err
	}
	m.insertSegmentLocked(AddressSegment{VRange: mapping.VirtualRange(), PAlloc: palloc, Flags: flags, MemType: memType})
	return mapping, nil
}

// MapShared installs, in this Manager, a mapping of whatever physical
// memory other's segments expose over rangeInOther: each underlying
// PFH allocation is shared (not copied), so writes through either
// Manager's mapping are visible to the other. The segments this
// installs are marked Shared and can only be unmapped as whole units
// (see Unmap).
func (m *Manager) MapShared(other *Manager, rangeInOther addr.VirtualRange, flags addr.PageFlags, memType addr.MemoryType) (addr.VirtualRange, error) {
	if rangeInOther.IsEmpty() {
		return addr.VirtualRange{}, kernel.New(moduleName, kernel.StatusInvalidInput, "zero-length range")
	}
	source := other.SegmentsIntersecting(rangeInOther)
	if len(source) == 0 {
		return addr.VirtualRange{}, kernel.New(moduleName, kernel.StatusNotFound, "range is not backed by any segment")
	}

	m.lock.Acquire()
	defer m.lock.Release()

	valloc := m.vheap.AlignedAlloc(addr.PageSize4K, rangeInOther.Size)
	if valloc.IsNull() {
		return addr.VirtualRange{}, kernel.New(moduleName, kernel.StatusOutOfMemory, "no virtual range available")
	}
	base := valloc.Address()

	var mapped []addr.VirtualRange
	for _, seg := range source {
		overlap, ok := seg.VRange.Intersect(rangeInOther)
		if !ok {
			continue
		}
		offsetFromBase := uint64(overlap.Start) - uint64(rangeInOther.Start)
		offsetIntoSeg := uint64(overlap.Start) - uint64(seg.VRange.Start)
		mapping := addr.AddressMapping{
			VAddr: addr.VirtualAddress(uint64(base) + offsetFromBase),
			PAddr: addr.PhysicalAddress(uint64(seg.PAlloc.Address()) + offsetIntoSeg),
			Size:  overlap.Size,
		}
		if err := m.tables.Map(mapping, flags, memType); err != nil {
			m.tables.Unmap(mapping.VirtualRange())
			m.unwindSharedLocked(base, mapped, valloc)
			return addr.VirtualRange{}, err
		}
		m.insertSegmentLocked(AddressSegment{VRange: mapping.VirtualRange(), PAlloc: seg.PAlloc, Flags: flags, MemType: memType, Shared: true})
		mapped = append(mapped, mapping.VirtualRange())
	}
	return addr.VirtualRange{Start: base, Size: rangeInOther.Size}, nil
}

func (m *Manager) unwindSharedLocked(base addr.VirtualAddress, mapped []addr.VirtualRange, valloc pfh.Allocation[addr.VirtualAddress]) {
	for _, r := range mapped {
		m.tables.Unmap(r)
		m.segments.Delete(&segmentEntry{start: r.Start})
	}
	m.vheap.Free(valloc)
}

// unmapKind classifies how rng overlaps a touched segment.
type unmapKind int

const (
	unmapWhole unmapKind = iota
	unmapFront
	unmapBack
	unmapInterior
)

type unmapPlan struct {
	seg  AddressSegment
	kind unmapKind
	// cut is the sub-range of seg.VRange actually being unmapped.
	cut addr.VirtualRange
}

// Unmap removes every translation and segment bookkeeping overlapping
// rng, splitting the underlying physical allocations in phys (the same
// heap passed to Map) wherever a segment is only partially covered.
// The whole operation is performed through a page-table command list
// and a PFH command list so it either fully applies or, on the first
// recording failure, leaves both heaps and the segment map untouched.
func (m *Manager) Unmap(phys *pfh.Heap[addr.PhysicalAddress], rng addr.VirtualRange) error {
	if rng.IsEmpty() {
		return nil
	}
	m.lock.Acquire()
	defer m.lock.Release()

	touched := m.segmentsIntersectingLocked(rng)
	if len(touched) == 0 {
		return nil
	}

	ptCL := pt.NewCommandList(m.tables, m.ptaAlloc)
	defer ptCL.Drop()
	phCL := pfh.NewCommandList(phys)
	defer phCL.Drop()

	plans := make([]unmapPlan, 0, len(touched))
	for _, seg := range touched {
		overlap, _ := seg.VRange.Intersect(rng)
		full := uint64(overlap.Start) == uint64(seg.VRange.Start) && uint64(overlap.End()) == uint64(seg.VRange.End())

		switch {
		case full:
			if err := ptCL.RecordUnmap(seg.VRange); err != nil {
				return err
			}
			plans = append(plans, unmapPlan{seg: seg, kind: unmapWhole, cut: seg.VRange})
		case seg.Shared:
			return kernel.New(moduleName, kernel.StatusNotSupported, "partial unmap of a shared segment is not supported")
		case uint64(overlap.Start) == uint64(seg.VRange.Start):
			if err := ptCL.RecordUnmap(overlap); err != nil {
				return err
			}
			midpoint := addr.PhysicalAddress(uint64(seg.PAlloc.Address()) + overlap.Size)
			if err := phCL.RecordSplit(seg.PAlloc, midpoint); err != nil {
				return err
			}
			plans = append(plans, unmapPlan{seg: seg, kind: unmapFront, cut: overlap})
		case uint64(overlap.End()) == uint64(seg.VRange.End()):
			if err := ptCL.RecordUnmap(overlap); err != nil {
				return err
			}
			midpoint := addr.PhysicalAddress(uint64(seg.PAlloc.Address()) + (uint64(overlap.Start) - uint64(seg.VRange.Start)))
			if err := phCL.RecordSplit(seg.PAlloc, midpoint); err != nil {
				return err
			}
			plans = append(plans, unmapPlan{seg: seg, kind: unmapBack, cut: overlap})
		default:
			if err := ptCL.RecordUnmap(overlap); err != nil {
				return err
			}
			loMid := addr.PhysicalAddress(uint64(seg.PAlloc.Address()) + (uint64(overlap.Start) - uint64(seg.VRange.Start)))
			hiMid := addr.PhysicalAddress(uint64(loMid) + overlap.Size)
			if err := phCL.RecordSplitV(seg.PAlloc, []addr.PhysicalAddress{loMid, hiMid}); err != nil {
				return err
			}
			plans = append(plans, unmapPlan{seg: seg, kind: unmapInterior, cut: overlap})
		}
	}

	// Commit PFH before PT, matching the fixed PFH-then-PT ordering used
	// everywhere else a single operation touches both.
	splitResults, err := phCL.Commit()
	if err != nil {
		return err
	}
	if err := ptCL.Commit(); err != nil {
		return err
	}

	splitIdx := 0
	for _, p := range plans {
		m.segments.Delete(&segmentEntry{start: p.seg.VRange.Start})
		switch p.kind {
		case unmapWhole:
			if !p.seg.Shared {
				phys.Free(p.seg.PAlloc)
			}
		case unmapFront:
			res := splitResults[splitIdx]
			splitIdx++
			phys.Free(res[0])
			remainder := p.seg
			remainder.VRange = addr.VirtualRange{Start: p.cut.End(), Size: uint64(p.seg.VRange.End()) - uint64(p.cut.End())}
			remainder.PAlloc = res[1]
			m.insertSegmentLocked(remainder)
		case unmapBack:
			res := splitResults[splitIdx]
			splitIdx++
			phys.Free(res[1])
			remainder := p.seg
			remainder.VRange = addr.VirtualRange{Start: p.seg.VRange.Start, Size: uint64(p.cut.Start) - uint64(p.seg.VRange.Start)}
			remainder.PAlloc = res[0]
			m.insertSegmentLocked(remainder)
		case unmapInterior:
			res := splitResults[splitIdx]
			splitIdx++
			phys.Free(res[1])
			lo := p.seg
			lo.VRange = addr.VirtualRange{Start: p.seg.VRange.Start, Size: uint64(p.cut.Start) - uint64(p.seg.VRange.Start)}
			lo.PAlloc = res[0]
			hi := p.seg
			hi.VRange = addr.VirtualRange{Start: p.cut.End(), Size: uint64(p.seg.VRange.End()) - uint64(p.cut.End())}
			hi.PAlloc = res[2]
			m.insertSegmentLocked(lo)
			m.insertSegmentLocked(hi)
		}
	}
	return nil
}
