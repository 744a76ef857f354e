package pt

import "vmcore/mem/addr"

// Entry is a single x86-64 page-table entry: a PML4E, PDPTE, PDE, or
// PTE. All four levels share the same low-order bit layout, which is
// why one Entry type serves every level.
type Entry uint64

const (
	entryPresent       Entry = 1 << 0
	entryWritable      Entry = 1 << 1
	entryUser          Entry = 1 << 2
	entryWriteThrough  Entry = 1 << 3
	entryCacheDisable  Entry = 1 << 4
	entryAccessed      Entry = 1 << 5
	entryDirty         Entry = 1 << 6
	entryHuge          Entry = 1 << 7 // PS bit on a PDPTE/PDE; PAT bit on a 4k PTE
	entryGlobal        Entry = 1 << 8
	entryPATHuge       Entry = 1 << 12 // PAT bit on a 2m/1g leaf
	entryNoExecute     Entry = 1 << 63
	entryAddressMask   Entry = 0x000f_ffff_ffff_f000
	entryPATSlotLowPWT Entry = 1 << 3
	entryPATSlotLowPCD Entry = 1 << 4
)

// Present reports whether the entry maps to anything at all.
func (e Entry) Present() bool { return e&entryPresent != 0 }

// Huge reports whether a PDPTE/PDE entry is a 1 GiB/2 MiB leaf rather
// than a pointer to the next level.
func (e Entry) Huge() bool { return e&entryHuge != 0 }

// Address extracts the physical frame address the entry points to,
// whether that is a next-level table or (for a huge/leaf entry) the
// backing page itself.
func (e Entry) Address() addr.PhysicalAddress {
	return addr.PhysicalAddress(e & entryAddressMask)
}

// withAddress returns a copy of e with its address bits replaced.
func (e Entry) withAddress(p addr.PhysicalAddress) Entry {
	return (e &^ entryAddressMask) | (Entry(p) & entryAddressMask)
}
