package periods

import "time"

// PeriodStatus enumerates valid period states. LOCKED implies closed: the
// lock may only be set while closed and must be cleared before reopen.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// Period represents a fiscal period window.
type Period struct {
	ID         int64
	Code       string
	FiscalYear int
	StartDate  time.Time
	EndDate    time.Time
	Status     PeriodStatus
	ClosedAt   *time.Time
	LockedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Contains reports whether the date falls inside the period window.
func (p Period) Contains(date time.Time) bool {
	return !date.Before(p.StartDate) && !date.After(p.EndDate)
}

// ValidateTransition checks status changes according to policy.
func ValidateTransition(current, target PeriodStatus) error {
	if current == target {
		return nil
	}
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusOpen || target == PeriodStatusLocked {
			return nil
		}
	case PeriodStatusLocked:
		if target == PeriodStatusClosed {
			return nil
		}
	}
	if current == PeriodStatusLocked && target == PeriodStatusOpen {
		return ErrPeriodLocked
	}
	return ErrInvalidTransition
}

// CloseBlockers is the dry-run result of a close preview.
type CloseBlockers struct {
	DraftEntries     int
	SubmittedEntries int
	ReconMismatches  int
}

// Empty reports whether anything blocks the close.
func (b CloseBlockers) Empty() bool {
	return b.DraftEntries == 0 && b.SubmittedEntries == 0 && b.ReconMismatches == 0
}
