package relay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Descriptors the process needs for itself: standard streams, the
// multiplexer, the two listeners, the log file, and a padding of 10 for
// anything opened behind our back (DNS, NSS, metrics listener).
const reservedDescriptors = 3 + 1 + 2 + 1 + 10

// Budget is the file-descriptor arithmetic behind the admission limit.
type Budget struct {
	Soft        uint64
	Hard        uint64
	ClientLimit int
}

// ComputeBudget derives the client limit from RLIMIT_NOFILE. With
// requested == 0 the limit is whatever the soft limit leaves after the
// reserved descriptors. An explicit request above that attempts to raise
// the soft limit to accommodate it; failure to raise is fatal for the
// caller.
func ComputeBudget(requested int) (Budget, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return Budget{}, fmt.Errorf("getrlimit: %w", err)
	}

	derived := int(rl.Cur) - reservedDescriptors
	if derived < 0 {
		derived = 0
	}

	b := Budget{Soft: rl.Cur, Hard: rl.Max, ClientLimit: derived}
	if requested <= 0 || requested <= derived {
		if requested > 0 {
			b.ClientLimit = requested
		}
		return b, nil
	}

	// The request exceeds what the current soft limit can serve: raise it.
	want := uint64(requested + reservedDescriptors)
	raised := unix.Rlimit{Cur: want, Max: rl.Max}
	if want > rl.Max {
		raised.Max = want
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
		return Budget{}, fmt.Errorf("raising RLIMIT_NOFILE to %d for client-limit %d: %w", want, requested, err)
	}
	b.Soft = raised.Cur
	b.Hard = raised.Max
	b.ClientLimit = requested
	return b, nil
}
