package pt

import (
	"vmcore/kernel"
	"vmcore/mem/addr"
	"vmcore/mem/pta"
)

// reservePool is a FrameSource drawn down from a fixed, pre-allocated
// set of frames. Allocate never reaches back to the shared page-table
// allocator, so once a CommandList has reserved enough frames for its
// queued operations, Commit cannot fail with OutOfMemory.
type reservePool struct {
	blockSize uint64
	runs      []addr.AddressMapping
}

func (p *reservePool) Allocate(blocks uint64) pta.Allocation {
	need := blocks * p.blockSize
	for i, r := range p.runs {
		if r.Size < need {
			continue
		}
		took := addr.AddressMapping{VAddr: r.VAddr, PAddr: r.PAddr, Size: need}
		if r.Size == need {
			p.runs = append(p.runs[:i], p.runs[i+1:]...)
		} else {
			p.runs[i] = addr.AddressMapping{
				VAddr: addr.VirtualAddress(uint64(r.VAddr) + need),
				PAddr: addr.PhysicalAddress(uint64(r.PAddr) + need),
				Size:  r.Size - need,
			}
		}
		return took
	}
	return pta.Allocation{}
}

func (p *reservePool) Deallocate(a pta.Allocation) {
	if a.Size == 0 {
		return
	}
	p.runs = append(p.runs, a)
}

type ptOp struct {
	isMap   bool
	mapping addr.AddressMapping
	flags   addr.PageFlags
	memType addr.MemoryType
	unmap   addr.VirtualRange
}

// vrange returns the virtual range an operation touches, regardless of
// whether it is a Map or an Unmap.
func (op ptOp) vrange() addr.VirtualRange {
	if op.isMap {
		return op.mapping.VirtualRange()
	}
	return op.unmap
}

// CommandList batches Map/Unmap operations against a Tables so the
// whole batch either takes effect or, on construction failure, none of
// it does. Every operation pre-reserves its worst-case page-table
// frame requirement from the allocator at Record time; Commit then
// runs every operation against a reserve-only FrameSource, so once
// Record succeeds Commit cannot fail.
//
// Callers must defer Drop immediately after creating a CommandList:
// Drop after Commit is a no-op, and Drop before Commit returns every
// reserved-but-unused frame to the shared allocator.
type CommandList struct {
	tables    *Tables
	alloc     FrameSource
	pool      *reservePool
	ops       []ptOp
	committed bool
}

// maxPagesForMapping bounds the number of new intermediate page-table
// frames a Map or Unmap touching a region of this size could need in
// the worst case: it never needs a frame per mapped page (a mapping
// only consumes leaf-table entries, not leaf-table frames, since the
// backing pages themselves are supplied by the caller), only the PT,
// PD, and PDPT frames required to reach every 2 MiB, 1 GiB, and 512
// GiB boundary the range spans. Over-reserving costs nothing but a
// Commit-time drain back to the allocator.
func maxPagesForMapping(size uint64) uint64 {
	ptFrames := (size+addr.PageSize2M-1)/addr.PageSize2M + 1
	pdFrames := (size+addr.PageSize1G-1)/addr.PageSize1G + 1
	pdptFrames := (size+entriesPerTable*addr.PageSize1G-1)/(entriesPerTable*addr.PageSize1G) + 1
	return ptFrames + pdFrames + pdptFrames
}

// NewCommandList creates a command list against tables, drawing its
// reservations from alloc (ordinarily the same allocator tables itself
// was created with).
func NewCommandList(tables *Tables, alloc FrameSource) *CommandList {
	return &CommandList{tables: tables, alloc: alloc, pool: &reservePool{blockSize: addr.PageSize4K}}
}

func (cl *CommandList) reserve(pages uint64) error {
	if pages == 0 {
		return nil
	}
	list, err := allocateListFrom(cl.alloc, pages)
	if err != nil {
		return err
	}
	cl.pool.runs = append(cl.pool.runs, list.Runs...)
	return nil
}

// allocateListFrom gathers pages frames from src, falling back to
// one-at-a-time Allocate(1) calls when src is not a *pta.Allocator
// (which exposes a batched AllocateList).
func allocateListFrom(src FrameSource, pages uint64) (pta.List, error) {
	if a, ok := src.(*pta.Allocator); ok {
		return a.AllocateList(pages)
	}
	var list pta.List
	for i := uint64(0); i < pages; i++ {
		a := src.Allocate(1)
		if a.Size == 0 {
			for _, r := range list.Runs {
				src.Deallocate(r)
			}
			return pta.List{}, kernel.New(moduleName, kernel.StatusOutOfMemory, "reservation exhausted")
		}
		list.Runs = append(list.Runs, a)
	}
	return list, nil
}

// validate checks rng against every range already recorded in the
// list, rejecting it if it overlaps one of them. Outer-adjacent ranges
// (one's End equal to another's Start) are allowed: they share no
// address and Commit applies ops in record order, so back-to-back
// mappings recorded in the same list are unambiguous. A genuine
// overlap is not: both ops would touch the same leaf entry through
// the reserve-only pool, and the second would surface as a
// would-be Commit-time failure instead of a Record-time one.
func (cl *CommandList) validate(rng addr.VirtualRange) error {
	for _, op := range cl.ops {
		if op.vrange().Overlaps(rng) {
			return kernel.New(moduleName, kernel.StatusInvalidData, "recorded range overlaps an already-queued operation")
		}
	}
	return nil
}

// RecordMap queues a Map operation, reserving its worst-case frame
// requirement immediately.
func (cl *CommandList) RecordMap(mapping addr.AddressMapping, flags addr.PageFlags, memType addr.MemoryType) error {
	if cl.committed {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "command list already committed")
	}
	if err := cl.validate(mapping.VirtualRange()); err != nil {
		return err
	}
	if err := cl.reserve(maxPagesForMapping(mapping.Size)); err != nil {
		return err
	}
	cl.ops = append(cl.ops, ptOp{isMap: true, mapping: mapping, flags: flags, memType: memType})
	return nil
}

// RecordUnmap queues an Unmap operation. Unmap can itself need new
// tables (to split a large page), so it reserves the same worst-case
// budget as a Map of the same size.
func (cl *CommandList) RecordUnmap(rng addr.VirtualRange) error {
	if cl.committed {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "command list already committed")
	}
	if err := cl.validate(rng); err != nil {
		return err
	}
	if err := cl.reserve(maxPagesForMapping(rng.Size)); err != nil {
		return err
	}
	cl.ops = append(cl.ops, ptOp{isMap: false, unmap: rng})
	return nil
}

// Commit applies every queued operation in record order against the
// reserved frame pool.
func (cl *CommandList) Commit() error {
	if cl.committed {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "command list already committed")
	}
	real := cl.tables.alloc
	cl.tables.alloc = cl.pool
	defer func() { cl.tables.alloc = real }()

	for _, op := range cl.ops {
		var err error
		if op.isMap {
			err = cl.tables.Map(op.mapping, op.flags, op.memType)
		} else {
			err = cl.tables.Unmap(op.unmap)
		}
		if err != nil {
			kernel.BugCheck(moduleName, "command list operation failed after reservation", nil)
		}
	}
	cl.committed = true
	// Anything left in the reserve was over-provisioned; hand it back.
	cl.returnUnused()
	return nil
}

func (cl *CommandList) returnUnused() {
	for _, r := range cl.pool.runs {
		cl.alloc.Deallocate(r)
	}
	cl.pool.runs = nil
}

// Drop releases every reserved-but-uncommitted frame back to the
// allocator. A no-op once Commit has run.
func (cl *CommandList) Drop() {
	if cl.committed {
		return
	}
	cl.returnUnused()
	cl.ops = nil
}
