// Package bootmem turns the raw memory map a bootloader hands the
// kernel into the page-aligned, hole-punched list of available ranges
// the Physical Frame Heap is seeded from.
package bootmem

import (
	"sort"

	"vmcore/mem/addr"
)

// RegionType classifies a bootmem.Region the way firmware/bootloader
// memory maps do.
type RegionType uint8

const (
	// RegionAvailable is free, usable RAM.
	RegionAvailable RegionType = iota
	// RegionReserved is permanently unusable (MMIO holes, firmware).
	RegionReserved
	// RegionACPIReclaimable holds ACPI tables; reusable once parsed.
	RegionACPIReclaimable
	// RegionACPINVS must be preserved across sleep states.
	RegionACPINVS
	// RegionBad marks memory the firmware reported as faulty.
	RegionBad
	// RegionKernel marks the range the kernel image itself occupies
	// within an otherwise-available region.
	RegionKernel
)

// String renders the region type name.
func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "Available"
	case RegionReserved:
		return "Reserved"
	case RegionACPIReclaimable:
		return "ACPIReclaimable"
	case RegionACPINVS:
		return "ACPINVS"
	case RegionBad:
		return "Bad"
	case RegionKernel:
		return "Kernel"
	default:
		return "Unknown"
	}
}

// Region is one entry of a bootloader-provided memory map.
type Region struct {
	Range addr.PhysicalRange
	Type  RegionType
}

// Map is the full set of regions a bootloader reported, in the order
// it reported them (not necessarily sorted or non-overlapping).
type Map struct {
	Regions []Region
}

// AvailableRanges returns the page-aligned available sub-ranges of the
// map with every range in exclude (e.g. the kernel image, a reserved
// boot allocator scratch area) cut out. Regions are conservatively
// aligned inward (start rounded up, end rounded down) so that no
// returned range claims memory outside what firmware actually reported
// free, matching the rounding the teacher's boot allocator performs
// when converting byte addresses to frame numbers.
func (m Map) AvailableRanges(exclude ...addr.PhysicalRange) []addr.PhysicalRange {
	var free []addr.PhysicalRange
	for _, r := range m.Regions {
		if r.Type != RegionAvailable {
			continue
		}
		start := addr.PhysicalAddress(r.Range.Start).AlignUp(addr.PageSize4K)
		end := r.Range.End().AlignDown(addr.PageSize4K)
		if uint64(end) <= uint64(start) {
			continue
		}
		free = append(free, addr.PhysicalRange{Start: start, Size: uint64(end) - uint64(start)})
	}

	for _, hole := range exclude {
		free = cutAll(free, hole)
	}

	sort.Slice(free, func(i, j int) bool { return free[i].Start < free[j].Start })
	return free
}

func cutAll(ranges []addr.PhysicalRange, hole addr.PhysicalRange) []addr.PhysicalRange {
	var out []addr.PhysicalRange
	for _, r := range ranges {
		if !r.Overlaps(hole) {
			out = append(out, r)
			continue
		}
		inter, _ := r.Intersect(hole)
		out = append(out, r.Cut(inter)...)
	}
	return out
}

// TotalAvailable returns the sum, in bytes, of every RegionAvailable
// entry in the map before any exclusion is applied.
func (m Map) TotalAvailable() uint64 {
	var total uint64
	for _, r := range m.Regions {
		if r.Type == RegionAvailable {
			total += r.Range.Size
		}
	}
	return total
}

// Validate reports whether any two regions in the map overlap, which
// would indicate a malformed or corrupt memory map.
func (m Map) Validate() bool {
	regions := append([]Region(nil), m.Regions...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Range.Start < regions[j].Range.Start })
	for i := 1; i < len(regions); i++ {
		if regions[i-1].Range.Overlaps(regions[i].Range) {
			return false
		}
	}
	return true
}
