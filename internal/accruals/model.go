package accruals

import "time"

// RuleType enumerates accrual rule categories.
type RuleType string

const (
	RuleTypeReversing RuleType = "REVERSING"
	RuleTypeRecurring RuleType = "RECURRING"
	RuleTypeDeferral  RuleType = "DEFERRAL"
	RuleTypeDerived   RuleType = "DERIVED"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeReversing, RuleTypeRecurring, RuleTypeDeferral, RuleTypeDerived:
		return true
	}
	return false
}

// Frequency enumerates rule schedules.
type Frequency string

const (
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyPeriodEnd Frequency = "PERIOD_END"
	FrequencyOnDemand  Frequency = "ON_DEMAND"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyPeriodEnd, FrequencyOnDemand:
		return true
	}
	return false
}

// RuleStatus enumerates rule lifecycle values.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusInactive RuleStatus = "INACTIVE"
)

// LineSide marks which side of the entry a template line lands on.
type LineSide string

const (
	SideDebit  LineSide = "DEBIT"
	SideCredit LineSide = "CREDIT"
)

// RuleLine is one template line of a rule. Amount is minor currency units;
// derived lines leave Amount zero and carry a basis instead.
type RuleLine struct {
	ID             int64
	RuleID         int64
	LineNo         int
	AccountID      int64
	Side           LineSide
	Description    string
	Amount         int64
	BasisAccountID *int64
	BasisRateBps   int64
}

// Derived reports whether the line amount is computed from a basis account.
func (l RuleLine) Derived() bool {
	return l.BasisAccountID != nil
}

// DeferralSchedule spreads one total across consecutive periods. The last
// period absorbs the rounding remainder.
type DeferralSchedule struct {
	ID            int64
	RuleID        int64
	TotalAmount   int64
	PeriodCount   int
	StartPeriodID int64
}

// AccrualRule is an immutable template that generates journal drafts.
type AccrualRule struct {
	ID        int64
	Code      string
	Name      string
	RuleType  RuleType
	Frequency Frequency
	Status    RuleStatus
	Memo      string
	LastRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Lines     []RuleLine
	Deferral  *DeferralSchedule
}

// Active reports whether the rule may be selected by a run.
func (r AccrualRule) Active() bool {
	return r.Status == RuleStatusActive
}

// DueOn reports whether the rule's frequency makes it due on or before asOf,
// computed from the last run date plus the frequency interval. Rules that
// never ran are due immediately. PERIOD_END and ON_DEMAND rules are never
// due by date.
func (r AccrualRule) DueOn(asOf time.Time) bool {
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return false
	}
	if r.LastRunAt == nil {
		return true
	}
	var next time.Time
	switch r.Frequency {
	case FrequencyDaily:
		next = r.LastRunAt.AddDate(0, 0, 1)
	case FrequencyWeekly:
		next = r.LastRunAt.AddDate(0, 0, 7)
	case FrequencyMonthly:
		next = r.LastRunAt.AddDate(0, 1, 0)
	}
	return !next.After(asOf)
}

// RunKind enumerates accrual run invocation kinds.
type RunKind string

const (
	RunKindDue       RunKind = "DUE"
	RunKindReversal  RunKind = "REVERSAL"
	RunKindPeriodEnd RunKind = "PERIOD_END"
)

// RunStatus enumerates run lifecycle values.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// AccrualRun records one scheduler invocation. Immutable once completed.
type AccrualRun struct {
	ID         int64
	Kind       RunKind
	AsOfDate   *time.Time
	PeriodID   *int64
	Status     RunStatus
	Processed  int
	Reused     int
	Failed     int
	StartedAt  time.Time
	FinishedAt *time.Time
	Entries    []RunEntry
	Failures   []RunFailure
}

// RunEntry links a run to a journal entry it produced or reused. The
// (rule, target period, kind) key is unique across runs: re-invoking a run
// for a key that already produced an entry returns the existing one.
type RunEntry struct {
	ID             int64
	RunID          int64
	RuleID         int64
	TargetPeriodID int64
	Kind           RunKind
	EntryID        int64
	Reused         bool
}

// RunFailure records one rule the run could not process.
type RunFailure struct {
	RuleID int64
	Reason string
}
