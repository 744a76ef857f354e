// Package sync provides the exclusive-access lock used by every
// mutating PT/PFH operation.
package sync

import (
	"runtime"
	"sync/atomic"
)

// Spinlock implements a lock where each caller busy-waits until the
// lock becomes available. It is the portable analogue of the teacher's
// kernel/sync.Spinlock: that implementation forwards to an arch-specific
// assembly stub after a fixed number of spins; this one backs off with
// runtime.Gosched since vmcore is not restricted to a freestanding build.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling
// goroutine. Re-acquiring a lock already held by the caller deadlocks,
// exactly like the teacher's spinlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(0); !l.TryAcquire(); attempt++ {
		if attempt > 64 {
			runtime.Gosched()
		}
	}
}

// TryAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release on a free lock has
// no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
