package addr

import "strings"

// PageFlags is a bitset of the permissions and privilege level a
// mapping grants, independent of the memory type it is cached as.
type PageFlags uint8

const (
	// PageFlagRead grants load access. Every present mapping implies it.
	PageFlagRead PageFlags = 1 << iota
	// PageFlagWrite grants store access.
	PageFlagWrite
	// PageFlagExecute grants instruction-fetch access.
	PageFlagExecute
	// PageFlagUser grants ring-3 access; absent, the mapping is
	// supervisor-only.
	PageFlagUser

	// PageFlagNone is the empty set; page-table queries return it for
	// an unmapped address.
	PageFlagNone PageFlags = 0
	// PageFlagData is the conventional read/write data segment.
	PageFlagData = PageFlagRead | PageFlagWrite
	// PageFlagCode is the conventional read/execute code segment.
	PageFlagCode = PageFlagRead | PageFlagExecute
	// PageFlagAll grants every permission.
	PageFlagAll = PageFlagRead | PageFlagWrite | PageFlagExecute | PageFlagUser
)

// Has reports whether all bits of other are set in f.
func (f PageFlags) Has(other PageFlags) bool {
	return f&other == other
}

// Any reports whether any bit of other is set in f.
func (f PageFlags) Any(other PageFlags) bool {
	return f&other != 0
}

// String renders the flag set as a short "rwxu"-style string.
func (f PageFlags) String() string {
	if f == PageFlagNone {
		return "none"
	}
	var b strings.Builder
	if f.Has(PageFlagRead) {
		b.WriteByte('r')
	}
	if f.Has(PageFlagWrite) {
		b.WriteByte('w')
	}
	if f.Has(PageFlagExecute) {
		b.WriteByte('x')
	}
	if f.Has(PageFlagUser) {
		b.WriteByte('u')
	}
	return b.String()
}
