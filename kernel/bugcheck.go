package kernel

import (
	"fmt"

	"github.com/google/pprof/profile"
)

// BugCheckPanic is the value recovered from a BugCheck panic. It carries
// the diagnostic profile a failing component produced (if any) alongside
// the human-readable reason describing the internal invariant that
// failed.
type BugCheckPanic struct {
	Module  string
	Reason  string
	Profile *profile.Profile
}

func (b *BugCheckPanic) Error() string {
	return fmt.Sprintf("bugcheck[%s]: %s", b.Module, b.Reason)
}

// BugCheck halts the calling goroutine with a fatal, unrecoverable
// invariant-failure panic. It is the only panic-like path in vmcore: all
// other failures are surfaced as a Status. dump, if non-nil, is attached
// to the panic value so a recover()-ing test harness or crash handler
// can persist it (e.g. write it out as a .pprof file).
func BugCheck(module, reason string, dump *profile.Profile) {
	panic(&BugCheckPanic{Module: module, Reason: reason, Profile: dump})
}
