package periods

import "github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"

var (
	// ErrNotFound indicates a missing period.
	ErrNotFound = httpx.NotFoundError("periods: period not found")
	// ErrPeriodNotOpen indicates an operation that requires an open period.
	ErrPeriodNotOpen = httpx.ConflictError("periods: period is not open")
	// ErrPeriodNotClosed indicates an operation that requires a closed period.
	ErrPeriodNotClosed = httpx.ConflictError("periods: period is not closed")
	// ErrPeriodLocked indicates the lock must be removed first.
	ErrPeriodLocked = httpx.ConflictError("periods: period is locked")
	// ErrInvalidTransition indicates a status change not allowed from the current state.
	ErrInvalidTransition = httpx.ConflictError("periods: transition not allowed")
	// ErrHasBlockingEntries indicates unposted work blocks the close.
	ErrHasBlockingEntries = httpx.ConflictError("periods: unposted entries block the close")
	// ErrOverlap indicates the requested window conflicts with an existing period.
	ErrOverlap = httpx.ConflictError("periods: window overlaps existing period")
	// ErrStatusConflict indicates the period status changed since last read.
	ErrStatusConflict = httpx.ConflictError("periods: status changed concurrently")
	// ErrNoNextPeriod indicates roll-forward found no destination period.
	ErrNoNextPeriod = httpx.ConflictError("periods: no open period follows the source")
	// ErrNothingToCarry indicates roll-forward found no balances to move.
	ErrNothingToCarry = httpx.ValidationError("periods: no balances to carry forward")
)
