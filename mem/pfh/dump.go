package pfh

import "github.com/google/pprof/profile"

// Dump snapshots the heap's block list into a pprof profile, the
// diagnostic payload kernel.BugCheck attaches to a fatal panic so a
// crash handler or test harness can persist the heap layout that
// triggered the failure.
func (h *Heap[T]) Dump() *profile.Profile {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.dumpLocked()
}

func (h *Heap[T]) dumpLocked() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "bytes", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	h.byAddr.Ascend(func(b *block[T]) bool {
		state := "free"
		if b.used {
			state = "used"
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{int64(b.size)},
			Label: map[string][]string{
				"state":   {state},
				"address": {b.start.String()},
			},
		})
		return true
	})
	return p
}
