package pta

import (
	"encoding/binary"

	"vmcore/mem/addr"
)

// controlBlockSize is the number of header bytes a free run reserves
// for its own bookkeeping. Every run handed to the allocator must be
// at least this large. Create does not check this; it holds whenever
// blockSize is at least 16 bytes, as with the 4 KiB block size
// vspace.Create passes.
const controlBlockSize = 16

// controlBlock is the free-list header threaded directly into the
// first bytes of a free run, matching the original's technique of
// embedding detail::ControlBlock inside the memory it describes
// instead of allocating separate bookkeeping storage.
type controlBlock struct {
	next  addr.PhysicalAddress // 0 means end of list
	count uint64               // number of contiguous blockSize blocks in this run
}

func readControlBlock(mem addr.Memory, at addr.PhysicalAddress) controlBlock {
	b := mem.Bytes(at, controlBlockSize)
	return controlBlock{
		next:  addr.PhysicalAddress(binary.LittleEndian.Uint64(b[0:8])),
		count: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func writeControlBlock(mem addr.Memory, at addr.PhysicalAddress, cb controlBlock) {
	b := mem.Bytes(at, controlBlockSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(cb.next))
	binary.LittleEndian.PutUint64(b[8:16], cb.count)
}
