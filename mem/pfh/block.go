package pfh

import "vmcore/mem/addr"

// block is one contiguous span of the heap's managed address space. The
// full set of blocks for a heap, ordered by start address, tiles the
// managed ranges exactly: every byte belongs to exactly one block,
// either free or used. This mirrors the physical (address-order)
// linked list the original TLSF implementation threads through its
// control blocks for O(1) neighbor coalescing.
type block[T addr.Address] struct {
	start T
	size  uint64
	used  bool
}

func (b *block[T]) end() T {
	return T(uint64(b.start) + b.size)
}

func (b *block[T]) rng() addr.Range[T] {
	return addr.Range[T]{Start: b.start, Size: b.size}
}

// addrLess orders blocks by start address; used for the address-order
// index every heap keeps.
func addrLess[T addr.Address](a, b *block[T]) bool {
	return uint64(a.start) < uint64(b.start)
}

// sizeLess orders free blocks by size then address, giving O(log n)
// best-fit selection: the smallest free block at least as big as a
// requested size is the first match at or after a (size, 0) probe key.
func sizeLess[T addr.Address](a, b *block[T]) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return uint64(a.start) < uint64(b.start)
}
