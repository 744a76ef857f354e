package addr

import "fmt"

// MemoryType selects the caching behavior a mapping should use,
// resolved against the Page Attribute Table slot layout the page
// builder programs at init time.
type MemoryType uint8

const (
	// MemoryTypeUncached disables caching entirely.
	MemoryTypeUncached MemoryType = iota
	// MemoryTypeWriteCombine batches writes without caching reads.
	MemoryTypeWriteCombine
	// MemoryTypeWriteThrough caches reads, writes go to memory immediately.
	MemoryTypeWriteThrough
	// MemoryTypeWriteProtect caches reads, writes are not allowed to hit
	// the cache.
	MemoryTypeWriteProtect
	// MemoryTypeWriteBack is the default, fully-cached behavior.
	MemoryTypeWriteBack
	// MemoryTypeUncachedOverridable is UC but may be overridden to WC by
	// an MTRR range.
	MemoryTypeUncachedOverridable
)

// String renders the memory type name.
func (t MemoryType) String() string {
	switch t {
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeWriteProtect:
		return "WriteProtect"
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeUncachedOverridable:
		return "UncachedOverridable"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint8(t))
	}
}

// PATSlots is the number of Page Attribute Table slots the CPU
// exposes; a slot index is encoded into the PAT/PCD/PWT bits of a leaf
// page-table entry.
const PATSlots = 8

// PageMemoryTypeLayout records which PAT slot each MemoryType has been
// programmed into, mirroring the original's PageMemoryTypeLayout: a
// small fixed table built once at boot and consulted by every
// subsequent Entry encode/decode.
type PageMemoryTypeLayout struct {
	slot [PATSlots]MemoryType
	// present marks which slots of the layout have been assigned.
	present [PATSlots]bool
}

// DefaultPageMemoryTypeLayout returns the conventional PAT programming
// most x86-64 firmware leaves in place: slot 0 write-back (the MTRR/PAT
// power-on default), slot 1 write-through, slot 2 uncached-overridable,
// slot 3 uncached, slot 4 write-combine, slot 5 write-protect.
func DefaultPageMemoryTypeLayout() PageMemoryTypeLayout {
	var l PageMemoryTypeLayout
	l.Set(0, MemoryTypeWriteBack)
	l.Set(1, MemoryTypeWriteThrough)
	l.Set(2, MemoryTypeUncachedOverridable)
	l.Set(3, MemoryTypeUncached)
	l.Set(4, MemoryTypeWriteCombine)
	l.Set(5, MemoryTypeWriteProtect)
	return l
}

// Set programs slot with the given memory type.
func (l *PageMemoryTypeLayout) Set(slot int, t MemoryType) {
	l.slot[slot] = t
	l.present[slot] = true
}

// SlotFor returns the PAT slot index programmed with t, and whether one
// was found.
func (l PageMemoryTypeLayout) SlotFor(t MemoryType) (int, bool) {
	for i, present := range l.present {
		if present && l.slot[i] == t {
			return i, true
		}
	}
	return 0, false
}

// TypeOf returns the memory type programmed into slot.
func (l PageMemoryTypeLayout) TypeOf(slot int) (MemoryType, bool) {
	if slot < 0 || slot >= PATSlots || !l.present[slot] {
		return 0, false
	}
	return l.slot[slot], true
}
