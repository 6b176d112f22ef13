package periods

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
)

// ReconChecker reports unresolved reconciliation mismatches for a period.
// Optional; close previews skip the check when unset.
type ReconChecker interface {
	MismatchCount(ctx context.Context, periodID int64) (int, error)
}

// CarryLine is one line of a system-generated carry-forward entry.
type CarryLine struct {
	AccountID   int64
	Description string
	Debit       int64
	Credit      int64
}

// CarryForwardPoster posts a system entry through the journal engine's
// self-approving path.
type CarryForwardPoster interface {
	PostSystemEntry(ctx context.Context, periodID int64, entryDate time.Time, typeCode, memo string, lines []CarryLine) (int64, error)
}

// AccountDirectory resolves accounts by code.
type AccountDirectory interface {
	GetByCode(ctx context.Context, code string) (accounts.Account, error)
}

// Service owns the fiscal-period state machine.
type Service struct {
	repo                 Repository
	ledger               ledger.Repository
	directory            AccountDirectory
	recon                ReconChecker
	poster               CarryForwardPoster
	retainedEarningsCode string
	now                  func() time.Time
}

// NewService constructs the service. recon and poster may be nil until wired.
func NewService(repo Repository, ledgerRepo ledger.Repository, directory AccountDirectory, retainedEarningsCode string) *Service {
	return &Service{
		repo:                 repo,
		ledger:               ledgerRepo,
		directory:            directory,
		retainedEarningsCode: retainedEarningsCode,
		now:                  time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetReconChecker wires the reconciliation engine after construction; the
// two services reference each other so one side binds late.
func (s *Service) SetReconChecker(rc ReconChecker) {
	s.recon = rc
}

// SetCarryForwardPoster wires the journal engine's system posting path.
func (s *Service) SetCarryForwardPoster(p CarryForwardPoster) {
	s.poster = p
}

// CreateInput groups fields for a new period.
type CreateInput struct {
	Code       string
	FiscalYear int
	StartDate  time.Time
	EndDate    time.Time
}

// Create inserts a new open period after validating the window.
func (s *Service) Create(ctx context.Context, in CreateInput) (Period, error) {
	if strings.TrimSpace(in.Code) == "" {
		return Period{}, errors.New("periods: code required")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() || in.StartDate.After(in.EndDate) {
		return Period{}, errors.New("periods: invalid date window")
	}
	conflict, err := s.repo.RangeConflict(ctx, in.StartDate, in.EndDate)
	if err != nil {
		return Period{}, err
	}
	if conflict {
		return Period{}, ErrOverlap
	}
	return s.repo.Insert(ctx, Period{
		Code:       strings.TrimSpace(in.Code),
		FiscalYear: in.FiscalYear,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		Status:     PeriodStatusOpen,
	})
}

// Get returns a single period.
func (s *Service) Get(ctx context.Context, id int64) (Period, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns periods filtered by fiscal year and status.
func (s *Service) List(ctx context.Context, fiscalYear int, status PeriodStatus) ([]Period, error) {
	return s.repo.List(ctx, fiscalYear, status)
}

// Current returns the period containing the given date.
func (s *Service) Current(ctx context.Context, asOf time.Time) (Period, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.repo.FindByDate(ctx, asOf)
}

// Next returns the period immediately following the given one.
func (s *Service) Next(ctx context.Context, periodID int64) (Period, error) {
	p, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	return s.repo.NextAfter(ctx, p.EndDate)
}

// Previous returns the period immediately preceding the given one.
func (s *Service) Previous(ctx context.Context, periodID int64) (Period, error) {
	p, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	return s.repo.PreviousBefore(ctx, p.StartDate)
}

// ClosePreview reports what would block a close without mutating state.
// Close runs the same checks, so preview and close always agree.
func (s *Service) ClosePreview(ctx context.Context, periodID int64) (CloseBlockers, error) {
	if _, err := s.repo.GetByID(ctx, periodID); err != nil {
		return CloseBlockers{}, err
	}
	return s.blockers(ctx, periodID)
}

func (s *Service) blockers(ctx context.Context, periodID int64) (CloseBlockers, error) {
	drafts, submitted, err := s.repo.CountBlockingEntries(ctx, periodID)
	if err != nil {
		return CloseBlockers{}, err
	}
	b := CloseBlockers{DraftEntries: drafts, SubmittedEntries: submitted}
	if s.recon != nil {
		mismatches, err := s.recon.MismatchCount(ctx, periodID)
		if err != nil {
			return CloseBlockers{}, err
		}
		b.ReconMismatches = mismatches
	}
	return b, nil
}

// CloseOptions controls the close operation.
type CloseOptions struct {
	// Override closes past blocking entries; callers must justify it.
	Override bool
	Reason   string
}

// Close transitions open -> closed.
func (s *Service) Close(ctx context.Context, periodID int64, opts CloseOptions) (Period, error) {
	period, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status != PeriodStatusOpen {
		if period.Status == PeriodStatusLocked {
			return Period{}, ErrPeriodLocked
		}
		return Period{}, ErrPeriodNotOpen
	}
	blockers, err := s.blockers(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if !blockers.Empty() && !opts.Override {
		return Period{}, fmt.Errorf("%w: %d draft, %d submitted, %d unreconciled",
			ErrHasBlockingEntries, blockers.DraftEntries, blockers.SubmittedEntries, blockers.ReconMismatches)
	}
	if err := s.transition(ctx, periodID, PeriodStatusOpen, PeriodStatusClosed); err != nil {
		return Period{}, err
	}
	return s.repo.GetByID(ctx, periodID)
}

// Reopen transitions closed -> open. Locked periods must be unlocked first.
func (s *Service) Reopen(ctx context.Context, periodID int64) (Period, error) {
	period, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status == PeriodStatusLocked {
		return Period{}, ErrPeriodLocked
	}
	if period.Status != PeriodStatusClosed {
		return Period{}, ErrPeriodNotClosed
	}
	if err := s.transition(ctx, periodID, PeriodStatusClosed, PeriodStatusOpen); err != nil {
		return Period{}, err
	}
	return s.repo.GetByID(ctx, periodID)
}

// Lock sets the hard stop. Allowed only while closed.
func (s *Service) Lock(ctx context.Context, periodID int64) (Period, error) {
	period, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status == PeriodStatusLocked {
		return period, nil
	}
	if period.Status != PeriodStatusClosed {
		return Period{}, ErrPeriodNotClosed
	}
	if err := s.transition(ctx, periodID, PeriodStatusClosed, PeriodStatusLocked); err != nil {
		return Period{}, err
	}
	return s.repo.GetByID(ctx, periodID)
}

// Unlock clears the hard stop, returning the period to closed.
func (s *Service) Unlock(ctx context.Context, periodID int64) (Period, error) {
	period, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.Status != PeriodStatusLocked {
		return Period{}, ErrInvalidTransition
	}
	if err := s.transition(ctx, periodID, PeriodStatusLocked, PeriodStatusClosed); err != nil {
		return Period{}, err
	}
	return s.repo.GetByID(ctx, periodID)
}

func (s *Service) transition(ctx context.Context, id int64, from, to PeriodStatus) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, id, from, to, s.now())
}

// RollForwardOptions controls roll-forward behaviour.
type RollForwardOptions struct {
	Memo string
}

// RollForwardResult reports what the carry produced.
type RollForwardResult struct {
	SourcePeriodID      int64
	DestinationPeriodID int64
	EntryID             int64
	AccountsCarried     int
	NetIncome           int64
}

// RollForward posts the carry-forward entry that moves balance-sheet
// balances into the next open period and closes P&L activity into retained
// earnings. Requires the source closed and the destination open.
func (s *Service) RollForward(ctx context.Context, periodID int64, opts RollForwardOptions) (RollForwardResult, error) {
	if s.poster == nil {
		return RollForwardResult{}, errors.New("periods: carry-forward poster not wired")
	}
	source, err := s.repo.GetByID(ctx, periodID)
	if err != nil {
		return RollForwardResult{}, err
	}
	if source.Status == PeriodStatusOpen {
		return RollForwardResult{}, ErrPeriodNotClosed
	}
	dest, err := s.repo.NextAfter(ctx, source.EndDate)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RollForwardResult{}, ErrNoNextPeriod
		}
		return RollForwardResult{}, err
	}
	if dest.Status != PeriodStatusOpen {
		return RollForwardResult{}, ErrNoNextPeriod
	}

	rows, err := s.ledger.TrialBalance(ctx, source.ID)
	if err != nil {
		return RollForwardResult{}, err
	}
	var lines []CarryLine
	var netIncome int64
	for _, row := range rows {
		net := row.Debit - row.Credit
		if net == 0 {
			continue
		}
		switch accounts.AccountType(row.AccountType) {
		case accounts.AccountTypeRevenue, accounts.AccountTypeExpense:
			netIncome += net
		default:
			line := CarryLine{AccountID: row.AccountID, Description: "Balance carried from " + source.Code}
			if net > 0 {
				line.Debit = net
			} else {
				line.Credit = -net
			}
			lines = append(lines, line)
		}
	}
	if netIncome != 0 {
		re, err := s.directory.GetByCode(ctx, s.retainedEarningsCode)
		if err != nil {
			return RollForwardResult{}, err
		}
		line := CarryLine{AccountID: re.ID, Description: "Net income carried from " + source.Code}
		if netIncome > 0 {
			line.Debit = netIncome
		} else {
			line.Credit = -netIncome
		}
		lines = append(lines, line)
	}
	if len(lines) < 2 {
		return RollForwardResult{}, ErrNothingToCarry
	}

	memo := opts.Memo
	if memo == "" {
		memo = fmt.Sprintf("Roll forward %s -> %s", source.Code, dest.Code)
	}
	entryID, err := s.poster.PostSystemEntry(ctx, dest.ID, dest.StartDate, "CLOSING", memo, lines)
	if err != nil {
		return RollForwardResult{}, err
	}
	return RollForwardResult{
		SourcePeriodID:      source.ID,
		DestinationPeriodID: dest.ID,
		EntryID:             entryID,
		AccountsCarried:     len(lines),
		NetIncome:           netIncome,
	}, nil
}
