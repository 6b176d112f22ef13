package accruals

import "github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"

var (
	// ErrRuleNotFound indicates a missing rule.
	ErrRuleNotFound = httpx.NotFoundError("accruals: rule not found")
	// ErrRunNotFound indicates a missing run.
	ErrRunNotFound = httpx.NotFoundError("accruals: run not found")
	// ErrCodeTaken indicates a duplicate rule code.
	ErrCodeTaken = httpx.ConflictError("accruals: rule code already in use")
	// ErrInvalidRule indicates rule input that cannot form a valid template.
	ErrInvalidRule = httpx.ValidationError("accruals: invalid rule definition")
	// ErrDeferralRequired indicates a DEFERRAL rule without a schedule.
	ErrDeferralRequired = httpx.ValidationError("accruals: deferral rules require a schedule")
	// ErrDeferralPeriods indicates a schedule with a non-positive period count.
	ErrDeferralPeriods = httpx.ValidationError("accruals: deferral period count must be positive")
	// ErrNoTargetPeriod indicates no fiscal period covers the run date.
	ErrNoTargetPeriod = httpx.ValidationError("accruals: no period covers the requested date")
)
