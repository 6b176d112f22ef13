package journals

import (
	"fmt"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"
)

var (
	// ErrNotFound indicates a missing entry.
	ErrNotFound = httpx.NotFoundError("journals: entry not found")
	// ErrLineNotFound indicates a missing line.
	ErrLineNotFound = httpx.NotFoundError("journals: line not found")
	// ErrEntryNotEditable indicates a line mutation on a non-draft entry.
	ErrEntryNotEditable = httpx.ConflictError("journals: entry is not editable")
	// ErrUnbalanced indicates debits != credits in minor units.
	ErrUnbalanced = httpx.ValidationError("journals: debits and credits must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = httpx.ValidationError("journals: at least two lines required")
	// ErrLineSides indicates a line with both or neither side populated.
	ErrLineSides = httpx.ValidationError("journals: line must populate exactly one of debit or credit")
	// ErrInvalidStatus indicates a transition not allowed from the current status.
	ErrInvalidStatus = httpx.ConflictError("journals: transition not allowed from current status")
	// ErrStatusConflict indicates the status changed since the caller last read it.
	ErrStatusConflict = httpx.ConflictError("journals: status changed concurrently")
	// ErrPeriodNotOpen indicates the target period refuses postings.
	ErrPeriodNotOpen = httpx.ConflictError("journals: period is not open for posting")
	// ErrDateOutOfRange indicates an entry date outside its period window.
	ErrDateOutOfRange = httpx.ValidationError("journals: entry date outside period window")
	// ErrRejectReason indicates a reject without a reason.
	ErrRejectReason = httpx.ValidationError("journals: reject requires a reason")
	// ErrVoidReason indicates a void without a reason.
	ErrVoidReason = httpx.ValidationError("journals: void requires a reason")
)

// ErrAccountArchived wraps the registry sentinel with the offending id.
func ErrAccountArchived(id int64) error {
	return fmt.Errorf("journals: account %d: %w", id, accounts.ErrArchived)
}

// ErrAccountNotPostable wraps the registry sentinel with the offending id.
func ErrAccountNotPostable(id int64) error {
	return fmt.Errorf("journals: account %d: %w", id, accounts.ErrNotPostable)
}

// ErrAccountUnknown wraps the registry sentinel with the offending id.
func ErrAccountUnknown(id int64) error {
	return fmt.Errorf("journals: account %d: %w", id, accounts.ErrNotFound)
}
