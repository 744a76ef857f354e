package addr

// AddressMapping pairs a virtual range with the physical address it is
// backed by, the unit the page-table and address-space layers reason
// about once a translation has been established.
type AddressMapping struct {
	VAddr VirtualAddress
	PAddr PhysicalAddress
	Size  uint64
}

// VirtualRange returns the virtual-side half-open range of the mapping.
func (m AddressMapping) VirtualRange() VirtualRange {
	return VirtualRange{Start: m.VAddr, Size: m.Size}
}

// PhysicalRange returns the physical-side half-open range of the mapping.
func (m AddressMapping) PhysicalRange() PhysicalRange {
	return PhysicalRange{Start: m.PAddr, Size: m.Size}
}

// Slide returns the constant virtual-minus-physical offset of the
// mapping, the quantity a direct map or higher-half kernel mapping
// holds fixed across its whole range.
func (m AddressMapping) Slide() int64 {
	return int64(m.VAddr) - int64(m.PAddr)
}

// Translate applies the mapping's slide to a physical address falling
// within its physical range, returning the corresponding virtual
// address and whether paddr was in range.
func (m AddressMapping) Translate(paddr PhysicalAddress) (VirtualAddress, bool) {
	if !m.PhysicalRange().Contains(paddr) {
		return 0, false
	}
	return VirtualAddress(int64(paddr) + m.Slide()), true
}

// TranslateBack applies the inverse slide to a virtual address falling
// within the mapping's virtual range.
func (m AddressMapping) TranslateBack(vaddr VirtualAddress) (PhysicalAddress, bool) {
	if !m.VirtualRange().Contains(vaddr) {
		return 0, false
	}
	return PhysicalAddress(int64(vaddr) - m.Slide()), true
}
