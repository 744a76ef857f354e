package addr

import "unsafe"

// Memory gives PTA and PT byte-level access to the physical pages they
// manage, without either package needing to know how physical memory is
// actually reached (a direct map, a temporary mapping window, or a test
// harness's mmap'd arena).
type Memory interface {
	// Bytes returns a slice over the n bytes of physical memory starting
	// at paddr. The slice aliases the underlying storage; callers that
	// retain it past the next mutating call risk observing a stale view.
	Bytes(paddr PhysicalAddress, n uint64) []byte

	// Zero fills the n bytes of physical memory starting at paddr with
	// zero.
	Zero(paddr PhysicalAddress, n uint64)
}

// DirectMap implements Memory over a single contiguous mapping held at
// a constant virtual-minus-physical slide, the standard "direct map" or
// "physmap" technique every example kernel in the retrieval pack uses
// in one form or another.
type DirectMap struct {
	// Slide is added to a physical address to obtain the virtual address
	// backing it.
	Slide int64
	// Window bounds the physical addresses this direct map can serve;
	// requests outside it panic, since they indicate a caller bug rather
	// than a recoverable condition.
	Window PhysicalRange
}

// NewDirectMap constructs a DirectMap backing the given physical window
// at a base virtual address.
func NewDirectMap(window PhysicalRange, base VirtualAddress) DirectMap {
	return DirectMap{
		Slide:  int64(base) - int64(window.Start),
		Window: window,
	}
}

func (d DirectMap) checkRange(paddr PhysicalAddress, n uint64) {
	r := PhysicalRange{Start: paddr, Size: n}
	if !d.Window.ContainsRange(r) {
		panic("addr: DirectMap access out of window: " + r.String())
	}
}

// Bytes implements Memory.
func (d DirectMap) Bytes(paddr PhysicalAddress, n uint64) []byte {
	d.checkRange(paddr, n)
	vaddr := uintptr(int64(paddr) + d.Slide)
	return unsafe.Slice((*byte)(unsafe.Pointer(vaddr)), n)
}

// Zero implements Memory.
func (d DirectMap) Zero(paddr PhysicalAddress, n uint64) {
	b := d.Bytes(paddr, n)
	for i := range b {
		b[i] = 0
	}
}

// VirtualAddressOf returns the virtual address backing paddr under this
// direct map.
func (d DirectMap) VirtualAddressOf(paddr PhysicalAddress) VirtualAddress {
	return VirtualAddress(int64(paddr) + d.Slide)
}

// PhysicalAddressOf returns the physical address backing vaddr under
// this direct map.
func (d DirectMap) PhysicalAddressOf(vaddr VirtualAddress) PhysicalAddress {
	return PhysicalAddress(int64(vaddr) - d.Slide)
}
