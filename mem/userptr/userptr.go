// Package userptr implements the syscall-entry user-pointer
// verification utility: given a caller-supplied (address, size), it
// confirms the range is canonical, lies entirely in the lower half,
// satisfies whatever shape rules the calling syscall imposes, and is
// backed end-to-end by present translations carrying at least the
// requested permissions.
package userptr

import (
	"vmcore/kernel"
	"vmcore/mem/addr"
	"vmcore/mem/pt"
)

const moduleName = "userptr"

// Rule names one shape constraint Verify can check against a caller's
// Rules. Only rules present in Rules.Require are enforced, mirroring
// the original's "rules ∈ {alignment, min_size, max_size,
// size_multiple}" — a syscall that only cares about alignment does not
// pay for (or get surprised by) a min-size check.
type Rule int

const (
	// RuleAlignment requires address to be a multiple of Rules.Alignment.
	RuleAlignment Rule = iota
	// RuleMinSize requires size >= Rules.MinSize.
	RuleMinSize
	// RuleMaxSize requires size <= Rules.MaxSize.
	RuleMaxSize
	// RuleSizeMultiple requires size to be a multiple of Rules.SizeMultiple.
	RuleSizeMultiple
)

// Rules bundles the shape constraints a syscall handler wants enforced
// on a user-supplied buffer, selected via Require.
type Rules struct {
	Require      []Rule
	Alignment    uint64
	MinSize      uint64
	MaxSize      uint64
	SizeMultiple uint64
}

// Verify returns Success (nil) only if [address, address+size):
//   - is canonical and lies entirely in the lower half for width,
//   - satisfies every rule named in rules.Require,
//   - and is present in tables with at least the requested flags on
//     every page it spans.
//
// Any failure returns a non-nil error carrying the precise status the
// syscall layer maps to its own OsStatus* space.
func Verify(rules Rules, address addr.VirtualAddress, size uint64, required addr.PageFlags, tables *pt.Tables, width uint) error {
	if size == 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "zero-length range")
	}
	end := uint64(address) + size
	if end < uint64(address) {
		return kernel.New(moduleName, kernel.StatusInvalidAddress, "range overflows the address space")
	}
	if !address.IsCanonical(width) || address.IsHigherHalf(width) {
		return kernel.New(moduleName, kernel.StatusInvalidAddress, "address is not in the canonical lower half")
	}
	lastByte := addr.VirtualAddress(end - 1)
	if !lastByte.IsCanonical(width) || lastByte.IsHigherHalf(width) {
		return kernel.New(moduleName, kernel.StatusInvalidAddress, "range end is not in the canonical lower half")
	}

	for _, r := range rules.Require {
		switch r {
		case RuleAlignment:
			if rules.Alignment != 0 && !address.IsAligned(rules.Alignment) {
				return kernel.New(moduleName, kernel.StatusInvalidInput, "address fails the required alignment")
			}
		case RuleMinSize:
			if size < rules.MinSize {
				return kernel.New(moduleName, kernel.StatusInvalidInput, "size is below the minimum")
			}
		case RuleMaxSize:
			if size > rules.MaxSize {
				return kernel.New(moduleName, kernel.StatusInvalidInput, "size exceeds the maximum")
			}
		case RuleSizeMultiple:
			if rules.SizeMultiple != 0 && size%rules.SizeMultiple != 0 {
				return kernel.New(moduleName, kernel.StatusInvalidInput, "size is not a multiple of the required granularity")
			}
		}
	}

	start := address.AlignDown(addr.PageSize4K)
	for v := start; uint64(v) < end; v = addr.VirtualAddress(uint64(v) + addr.PageSize4K) {
		flags, err := tables.GetMemoryFlags(v)
		if err != nil || !flags.Has(required) {
			return kernel.New(moduleName, kernel.StatusInvalidAddress, "page not present or missing required permissions")
		}
	}
	return nil
}
