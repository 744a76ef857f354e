package pfh

import (
	"vmcore/kernel"
	"vmcore/mem/addr"
)

// splitRequest is one queued Split or SplitV operation.
type splitRequest[T addr.Address] struct {
	alloc  Allocation[T]
	points []T
}

// CommandList batches Split/SplitV operations against a Heap so they
// either all take effect or none do. Every operation is validated
// against the heap's *current* state as it is recorded, so Commit
// cannot fail: this mirrors the original TlsfHeapCommandList's
// contract of reserving control structures up front so commit is
// infallible, adapted to Go by validating eagerly instead of
// preallocating a block pool.
//
// Callers must defer Drop immediately after obtaining a CommandList,
// the same way database/sql callers defer Tx.Rollback: Drop after a
// successful Commit is a no-op, and Drop without a Commit discards the
// queued operations without touching the heap.
type CommandList[T addr.Address] struct {
	heap      *Heap[T]
	ops       []splitRequest[T]
	committed bool
	touched   map[T]bool
}

// NewCommandList creates a command list bound to heap.
func NewCommandList[T addr.Address](heap *Heap[T]) *CommandList[T] {
	return &CommandList[T]{heap: heap, touched: make(map[T]bool)}
}

// RecordSplit queues a two-way split of alloc at midpoint.
func (cl *CommandList[T]) RecordSplit(alloc Allocation[T], midpoint T) error {
	return cl.record(alloc, []T{midpoint})
}

// RecordSplitV queues a multi-way split of alloc at points.
func (cl *CommandList[T]) RecordSplitV(alloc Allocation[T], points []T) error {
	return cl.record(alloc, points)
}

func (cl *CommandList[T]) record(alloc Allocation[T], points []T) error {
	if cl.committed {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "command list already committed")
	}
	if cl.touched[alloc.start] {
		return kernel.New(moduleName, kernel.StatusInvalidData, "allocation already has a queued operation")
	}
	if len(points) == 0 {
		return kernel.New(moduleName, kernel.StatusInvalidInput, "points must not be empty")
	}
	for i, p := range points {
		if uint64(p) <= uint64(alloc.start) || uint64(p) >= uint64(alloc.start)+alloc.size {
			return kernel.New(moduleName, kernel.StatusInvalidInput, "split point outside allocation")
		}
		if i > 0 && uint64(points[i-1]) >= uint64(p) {
			return kernel.New(moduleName, kernel.StatusInvalidInput, "points must be sorted and unique")
		}
	}
	cl.heap.lock.Acquire()
	b, ok := cl.heap.byAddr.Get(&block[T]{start: alloc.start})
	cl.heap.lock.Release()
	if !ok || !b.used || b.size != alloc.size {
		return kernel.New(moduleName, kernel.StatusNotFound, "allocation not found")
	}
	cl.touched[alloc.start] = true
	cl.ops = append(cl.ops, splitRequest[T]{alloc: alloc, points: points})
	return nil
}

// Commit applies every queued operation in record order and returns
// the resulting allocations, one slice per queued operation. Because
// every operation was validated against live heap state at Record
// time, and the heap is never mutated by anything else while a
// command list is outstanding, every queued operation is guaranteed to
// still apply cleanly.
func (cl *CommandList[T]) Commit() ([][]Allocation[T], error) {
	if cl.committed {
		return nil, kernel.New(moduleName, kernel.StatusInvalidInput, "command list already committed")
	}
	cl.heap.lock.Acquire()
	defer cl.heap.lock.Release()

	results := make([][]Allocation[T], len(cl.ops))
	for i, op := range cl.ops {
		if len(op.points) == 1 {
			lo, hi, err := cl.heap.splitLocked(op.alloc, op.points[0])
			if err != nil {
				kernel.BugCheck(moduleName, "command list split failed after validation", cl.heap.dumpLocked())
			}
			results[i] = []Allocation[T]{lo, hi}
			continue
		}
		out, err := cl.heap.splitVLocked(op.alloc, op.points)
		if err != nil {
			kernel.BugCheck(moduleName, "command list splitv failed after validation", cl.heap.dumpLocked())
		}
		results[i] = out
	}
	cl.committed = true
	return results, nil
}

// Drop discards every queued operation without touching the heap. A
// command list that was never committed reserved nothing from the
// heap, so Drop has nothing to return.
func (cl *CommandList[T]) Drop() {
	cl.ops = nil
	cl.touched = nil
}
