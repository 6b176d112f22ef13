package journals

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LineInput describes one journal line. Exactly one side may be populated.
type LineInput struct {
	AccountID   int64
	Description string
	Debit       int64
	Credit      int64
}

// Validate checks a single line.
func (in LineInput) Validate() error {
	if in.AccountID == 0 {
		return errors.New("journals: line missing account")
	}
	if in.Debit < 0 || in.Credit < 0 {
		return ErrLineSides
	}
	if (in.Debit > 0) == (in.Credit > 0) {
		return ErrLineSides
	}
	return nil
}

// CreateInput groups fields required to open a draft entry.
type CreateInput struct {
	PeriodID       int64
	EntryDate      time.Time
	TypeCode       EntryType
	Memo           string
	Lines          []LineInput
	SourceEntryID  *int64
	IdempotencyKey *uuid.UUID
}

// Validate ensures create input meets the draft criteria. Balance is not
// required yet; drafts tolerate imbalance during incremental editing.
func (in CreateInput) Validate() error {
	if in.PeriodID == 0 {
		return errors.New("journals: period required")
	}
	if in.EntryDate.IsZero() {
		return errors.New("journals: entry date required")
	}
	if !in.TypeCode.Valid() {
		return fmt.Errorf("journals: unknown entry type %q", in.TypeCode)
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if err := line.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", idx, err)
		}
	}
	return nil
}

// ListFilter narrows entry listings.
type ListFilter struct {
	PeriodID int64
	Status   EntryStatus
}

// BatchResult reports the outcome of one entry within a batch post.
type BatchResult struct {
	EntryID int64
	Posted  bool
	Err     string
}
