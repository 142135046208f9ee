package mm

import "github.com/nanokern/kernel/internal/kerr"

// Failure modes named in spec.md §4.1: out-of-memory during map -> NoMemory,
// cross-page buffer with a hole -> BadAddress, stack arena full -> NoStack.
// These are just re-exports of the shared kerr vocabulary for readability
// at mm call sites.
const (
	ErrNoMemory = kerr.NoMemory
	ErrBadAddr  = kerr.BadAddress
	ErrNoStack  = kerr.NoStack
	ErrInvalid  = kerr.Invalid
)
