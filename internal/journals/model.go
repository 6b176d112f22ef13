package journals

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusDraft     EntryStatus = "DRAFT"
	EntryStatusSubmitted EntryStatus = "SUBMITTED"
	EntryStatusApproved  EntryStatus = "APPROVED"
	EntryStatusRejected  EntryStatus = "REJECTED"
	EntryStatusPosted    EntryStatus = "POSTED"
	EntryStatusVoided    EntryStatus = "VOIDED"
)

// EntryType enumerates journal entry categories.
type EntryType string

const (
	EntryTypeGeneral    EntryType = "GENERAL"
	EntryTypeAdjustment EntryType = "ADJUSTMENT"
	EntryTypeClosing    EntryType = "CLOSING"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeGeneral, EntryTypeAdjustment, EntryTypeClosing:
		return true
	}
	return false
}

// JournalEntry captures one accounting transaction through its lifecycle.
// Amounts are minor currency units.
type JournalEntry struct {
	ID             int64
	PeriodID       int64
	EntryDate      time.Time
	TypeCode       EntryType
	Memo           string
	Status         EntryStatus
	Reason         string
	SourceEntryID  *int64
	IdempotencyKey *uuid.UUID
	SubmittedAt    *time.Time
	ApprovedAt     *time.Time
	PostedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Lines          []JournalLine
}

// JournalLine stores a debit or credit amount for an account.
type JournalLine struct {
	ID          int64
	EntryID     int64
	LineNo      int
	AccountID   int64
	Description string
	Debit       int64
	Credit      int64
}

// Totals sums debits and credits across lines.
func Totals(lines []JournalLine) (debit, credit int64) {
	for _, line := range lines {
		debit += line.Debit
		credit += line.Credit
	}
	return debit, credit
}

// Balanced reports exact minor-unit equality of debits and credits.
func Balanced(lines []JournalLine) bool {
	debit, credit := Totals(lines)
	return debit == credit
}
