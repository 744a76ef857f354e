package addr

import "testing"

func TestAlignment(t *testing.T) {
	p := PhysicalAddress(0x1001)
	if got := p.AlignDown(0x1000); got != 0x1000 {
		t.Fatalf("AlignDown = %s, want 0x1000", got)
	}
	if got := p.AlignUp(0x1000); got != 0x2000 {
		t.Fatalf("AlignUp = %s, want 0x2000", got)
	}
	if PhysicalAddress(0x2000).IsAligned(0x1000) != true {
		t.Fatal("0x2000 should be page aligned")
	}
}

func TestCanonical(t *testing.T) {
	const width = 48
	low := VirtualAddress(0x0000_7fff_ffff_ffff)
	high := VirtualAddress(0xffff_8000_0000_0000)
	bad := VirtualAddress(0x0001_0000_0000_0000)

	if !low.IsCanonical(width) {
		t.Fatal("expected low half-canonical address to be canonical")
	}
	if !high.IsCanonical(width) {
		t.Fatal("expected high half-canonical address to be canonical")
	}
	if bad.IsCanonical(width) {
		t.Fatal("expected address with stray bit 48 set to be non-canonical")
	}
	if !high.IsHigherHalf(width) {
		t.Fatal("expected high address to be higher-half")
	}
	if low.IsHigherHalf(width) {
		t.Fatal("expected low address not to be higher-half")
	}
}

func TestRangeOverlapIntersect(t *testing.T) {
	a := PhysicalRange{Start: 0x1000, Size: 0x2000}
	b := PhysicalRange{Start: 0x2000, Size: 0x2000}
	if !a.Overlaps(b) {
		t.Fatal("expected overlap")
	}
	got, ok := a.Intersect(b)
	if !ok || got.Start != 0x2000 || got.Size != 0x1000 {
		t.Fatalf("Intersect = %+v, ok=%v", got, ok)
	}

	c := PhysicalRange{Start: 0x4000, Size: 0x1000}
	if a.Overlaps(c) {
		t.Fatal("did not expect overlap")
	}
}

func TestRangeCut(t *testing.T) {
	whole := PhysicalRange{Start: 0, Size: 0x3000}
	hole := PhysicalRange{Start: 0x1000, Size: 0x1000}
	parts := whole.Cut(hole)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].Start != 0 || parts[0].Size != 0x1000 {
		t.Fatalf("unexpected head %+v", parts[0])
	}
	if parts[1].Start != 0x2000 || parts[1].Size != 0x1000 {
		t.Fatalf("unexpected tail %+v", parts[1])
	}
}

func TestRangeSplit(t *testing.T) {
	whole := VirtualRange{Start: 0x1000, Size: 0x3000}
	before, after := whole.Split(0x1000)
	if before.Start != 0x1000 || before.Size != 0x1000 {
		t.Fatalf("unexpected before %+v", before)
	}
	if after.Start != 0x2000 || after.Size != 0x2000 {
		t.Fatalf("unexpected after %+v", after)
	}
}

func TestAddressMappingTranslate(t *testing.T) {
	m := AddressMapping{VAddr: 0xffff_8000_0000_0000, PAddr: 0, Size: 0x10_0000_0000}
	v, ok := m.Translate(0x1000)
	if !ok || v != 0xffff_8000_0000_1000 {
		t.Fatalf("Translate = %s, ok=%v", v, ok)
	}
	p, ok := m.TranslateBack(v)
	if !ok || p != 0x1000 {
		t.Fatalf("TranslateBack = %s, ok=%v", p, ok)
	}
	if _, ok := m.Translate(0x20_0000_0000); ok {
		t.Fatal("expected out-of-range physical address to fail")
	}
}

func TestDirectMap(t *testing.T) {
	window := PhysicalRange{Start: 0x10_0000, Size: 0x10_0000}
	dm := NewDirectMap(window, 0xffff_9000_0000_0000)
	v := dm.VirtualAddressOf(0x10_1000)
	if v != 0xffff_9000_0000_1000 {
		t.Fatalf("VirtualAddressOf = %s", v)
	}
	if p := dm.PhysicalAddressOf(v); p != 0x10_1000 {
		t.Fatalf("PhysicalAddressOf = %s", p)
	}
}

func TestPageMemoryTypeLayoutDefaults(t *testing.T) {
	l := DefaultPageMemoryTypeLayout()
	slot, ok := l.SlotFor(MemoryTypeWriteBack)
	if !ok || slot != 0 {
		t.Fatalf("expected WriteBack at slot 0, got %d ok=%v", slot, ok)
	}
	got, ok := l.TypeOf(3)
	if !ok || got != MemoryTypeUncached {
		t.Fatalf("expected slot 3 = Uncached, got %s ok=%v", got, ok)
	}
}

func TestPageFlagsComposites(t *testing.T) {
	if !PageFlagData.Has(PageFlagRead) || !PageFlagData.Has(PageFlagWrite) {
		t.Fatal("Data flag should imply read+write")
	}
	if PageFlagData.Has(PageFlagExecute) {
		t.Fatal("Data flag should not imply execute")
	}
	if PageFlagCode.String() != "rx" {
		t.Fatalf("String = %q, want rx", PageFlagCode.String())
	}
}
