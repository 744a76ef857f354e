package pt

import "vmcore/mem/addr"

// PageSize identifies the granularity a virtual address is mapped at.
type PageSize uint8

const (
	// PageSizeNone indicates the address is not mapped.
	PageSizeNone PageSize = iota
	// PageSize4K is the standard page granularity.
	PageSize4K
	// PageSize2M is the large-page granularity.
	PageSize2M
	// PageSize1G is the huge-page granularity.
	PageSize1G
)

func (s PageSize) String() string {
	switch s {
	case PageSize4K:
		return "4K"
	case PageSize2M:
		return "2M"
	case PageSize1G:
		return "1G"
	default:
		return "None"
	}
}

// Bytes returns the number of bytes a page of this size spans.
func (s PageSize) Bytes() uint64 {
	switch s {
	case PageSize4K:
		return addr.PageSize4K
	case PageSize2M:
		return addr.PageSize2M
	case PageSize1G:
		return addr.PageSize1G
	default:
		return 0
	}
}

// PageBuilder encodes and decodes page-table entries: it knows the
// implemented virtual-address width, whether the CPU supports 1 GiB
// leaves and the no-execute bit, and how the PAT has been programmed,
// so it is the single place entry encode/decode logic lives.
type PageBuilder struct {
	addressWidth uint
	layout       addr.PageMemoryTypeLayout
	has1G        bool
	hasNX        bool
}

// NewPageBuilder constructs a PageBuilder for the given CPU feature set.
func NewPageBuilder(addressWidth uint, layout addr.PageMemoryTypeLayout, has1G, hasNX bool) *PageBuilder {
	return &PageBuilder{addressWidth: addressWidth, layout: layout, has1G: has1G, hasNX: hasNX}
}

// AddressWidth returns the implemented virtual-address width in bits.
func (pb *PageBuilder) AddressWidth() uint { return pb.addressWidth }

// Supports1G reports whether 1 GiB leaf pages are available.
func (pb *PageBuilder) Supports1G() bool { return pb.has1G }

// patBits returns the PWT/PCD/PAT bit pattern for the PAT slot storing
// memType, placing the PAT bit at the "huge" position (bit 12) when huge
// is set and at the 4k-leaf position (bit 7) otherwise.
func (pb *PageBuilder) patBits(memType addr.MemoryType, huge bool) Entry {
	slot, ok := pb.layout.SlotFor(memType)
	if !ok {
		slot = 0
	}
	var e Entry
	if slot&0x1 != 0 {
		e |= entryPATSlotLowPWT
	}
	if slot&0x2 != 0 {
		e |= entryPATSlotLowPCD
	}
	if slot&0x4 != 0 {
		if huge {
			e |= entryPATHuge
		} else {
			e |= entryHuge // bit 7 doubles as PAT on a 4k leaf
		}
	}
	return e
}

// EncodeLeaf builds a present leaf entry (4k PTE or huge PDE/PDPTE)
// mapping paddr with the given permissions and memory type.
func (pb *PageBuilder) EncodeLeaf(paddr addr.PhysicalAddress, flags addr.PageFlags, memType addr.MemoryType, huge bool) Entry {
	e := entryPresent | entryAccessed
	if flags.Has(addr.PageFlagWrite) {
		e |= entryWritable
	}
	if flags.Has(addr.PageFlagUser) {
		e |= entryUser
	}
	if !flags.Has(addr.PageFlagExecute) && pb.hasNX {
		e |= entryNoExecute
	}
	if huge {
		e |= entryHuge
	}
	e |= pb.patBits(memType, huge)
	return e.withAddress(paddr)
}

// EncodeTable builds a present, non-leaf entry pointing at the
// next-level table stored at paddr. Intermediate entries always grant
// write+user so that a leaf's own flags are the sole source of truth
// for the effective permissions of a mapping (the conventional x86-64
// convention, since permission bits AND down the walk).
func (pb *PageBuilder) EncodeTable(paddr addr.PhysicalAddress) Entry {
	e := entryPresent | entryWritable | entryUser | entryAccessed
	return e.withAddress(paddr)
}

// DecodeFlags extracts the PageFlags a leaf entry grants.
func (pb *PageBuilder) DecodeFlags(e Entry) addr.PageFlags {
	flags := addr.PageFlagRead
	if e&entryWritable != 0 {
		flags |= addr.PageFlagWrite
	}
	if e&entryUser != 0 {
		flags |= addr.PageFlagUser
	}
	if !(pb.hasNX && e&entryNoExecute != 0) {
		flags |= addr.PageFlagExecute
	}
	return flags
}

// DecodeMemoryType extracts the memory type a leaf entry was encoded
// with.
func (pb *PageBuilder) DecodeMemoryType(e Entry, huge bool) addr.MemoryType {
	slot := 0
	if e&entryPATSlotLowPWT != 0 {
		slot |= 0x1
	}
	if e&entryPATSlotLowPCD != 0 {
		slot |= 0x2
	}
	patBit := entryHuge
	if huge {
		patBit = entryPATHuge
	}
	if e&patBit != 0 {
		slot |= 0x4
	}
	t, ok := pb.layout.TypeOf(slot)
	if !ok {
		return addr.MemoryTypeWriteBack
	}
	return t
}
