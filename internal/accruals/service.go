package accruals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-ledger/atlas-ledger/internal/journals"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/observability"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
)

// Service generates journal drafts from accrual rules. It never approves or
// posts anything: every synthesized entry is left in draft for review.
type Service struct {
	repo       Repository
	journals   *journals.Service
	periodRepo periods.Repository
	ledgerRepo ledger.Repository
	logger     *slog.Logger
	metrics    *observability.Metrics
	locker     *shared.PeriodLocker
	workers    int
	now        func() time.Time
}

// NewService constructs the scheduler.
func NewService(repo Repository, journalSvc *journals.Service, periodRepo periods.Repository, ledgerRepo ledger.Repository, logger *slog.Logger, workers int) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		repo:       repo,
		journals:   journalSvc,
		periodRepo: periodRepo,
		ledgerRepo: ledgerRepo,
		logger:     logger,
		workers:    workers,
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches run metrics.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// WithLocker serializes runs against the same period across processes. The
// claim table stays the correctness guard; the lock just keeps concurrent
// invocations from racing each other through it.
func (s *Service) WithLocker(l *shared.PeriodLocker) {
	s.locker = l
}

func (s *Service) lockPeriod(ctx context.Context, periodID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, periodID)
}

// CreateRuleInput groups fields required to define a rule.
type CreateRuleInput struct {
	Code      string
	Name      string
	RuleType  RuleType
	Frequency Frequency
	Memo      string
	Lines     []RuleLine
	Deferral  *DeferralSchedule
}

// CreateRule validates and stores a new rule template.
func (s *Service) CreateRule(ctx context.Context, in CreateRuleInput) (AccrualRule, error) {
	if in.Code == "" || in.Name == "" || !in.RuleType.Valid() || !in.Frequency.Valid() {
		return AccrualRule{}, ErrInvalidRule
	}
	if len(in.Lines) < 2 {
		return AccrualRule{}, ErrInvalidRule
	}
	for _, line := range in.Lines {
		if line.AccountID == 0 {
			return AccrualRule{}, ErrInvalidRule
		}
		if line.Side != SideDebit && line.Side != SideCredit {
			return AccrualRule{}, ErrInvalidRule
		}
		if line.Derived() {
			if line.BasisRateBps <= 0 {
				return AccrualRule{}, ErrInvalidRule
			}
		} else if line.Amount <= 0 && in.RuleType != RuleTypeDeferral {
			return AccrualRule{}, ErrInvalidRule
		}
	}
	if in.RuleType == RuleTypeDeferral {
		if in.Deferral == nil {
			return AccrualRule{}, ErrDeferralRequired
		}
		if in.Deferral.PeriodCount <= 0 {
			return AccrualRule{}, ErrDeferralPeriods
		}
	}
	return s.repo.InsertRule(ctx, AccrualRule{
		Code:      in.Code,
		Name:      in.Name,
		RuleType:  in.RuleType,
		Frequency: in.Frequency,
		Status:    RuleStatusActive,
		Memo:      in.Memo,
		Lines:     in.Lines,
		Deferral:  in.Deferral,
	})
}

// ListRules returns rules matching the filter.
func (s *Service) ListRules(ctx context.Context, filter RuleFilter) ([]AccrualRule, error) {
	return s.repo.ListRules(ctx, filter)
}

// RuleDetail returns one rule with lines and schedule.
func (s *Service) RuleDetail(ctx context.Context, id int64) (AccrualRule, error) {
	return s.repo.GetRule(ctx, id)
}

// ListRuns returns run headers matching the filter.
func (s *Service) ListRuns(ctx context.Context, filter RunFilter) ([]AccrualRun, error) {
	return s.repo.ListRuns(ctx, filter)
}

// RunDetail returns one run with its entries and failures.
func (s *Service) RunDetail(ctx context.Context, id int64) (AccrualRun, error) {
	return s.repo.GetRun(ctx, id)
}

// ruleOutcome is the per-rule result a run worker reports back.
type ruleOutcome struct {
	reused  bool
	failure *RunFailure
}

// RunDue selects active date-frequency rules due on or before asOf and
// synthesizes one draft per rule into the period covering asOf.
func (s *Service) RunDue(ctx context.Context, asOf time.Time) (AccrualRun, error) {
	period, err := s.periodRepo.FindByDate(ctx, asOf)
	if err != nil {
		if errors.Is(err, periods.ErrNotFound) {
			return AccrualRun{}, ErrNoTargetPeriod
		}
		return AccrualRun{}, err
	}
	rules, err := s.repo.ListRules(ctx, RuleFilter{Status: RuleStatusActive})
	if err != nil {
		return AccrualRun{}, err
	}
	due := rules[:0:0]
	for _, rule := range rules {
		if rule.DueOn(asOf) {
			due = append(due, rule)
		}
	}
	release, err := s.lockPeriod(ctx, period.ID)
	if err != nil {
		return AccrualRun{}, err
	}
	defer release()
	return s.execute(ctx, RunKindDue, &asOf, nil, due, func(ctx context.Context, run AccrualRun, rule AccrualRule) ruleOutcome {
		return s.processRule(ctx, run, rule, period, asOf, RunKindDue, synthesisOptions{})
	})
}

// RunReversals generates the mirror entry in periodID for each REVERSING
// rule whose originating accrual was posted in the prior period.
func (s *Service) RunReversals(ctx context.Context, periodID int64) (AccrualRun, error) {
	period, err := s.periodRepo.GetByID(ctx, periodID)
	if err != nil {
		return AccrualRun{}, err
	}
	prev, err := s.periodRepo.PreviousBefore(ctx, period.StartDate)
	if err != nil {
		if errors.Is(err, periods.ErrNotFound) {
			return AccrualRun{}, ErrNoTargetPeriod
		}
		return AccrualRun{}, err
	}
	rules, err := s.repo.ListRules(ctx, RuleFilter{Status: RuleStatusActive, RuleType: RuleTypeReversing})
	if err != nil {
		return AccrualRun{}, err
	}
	release, err := s.lockPeriod(ctx, periodID)
	if err != nil {
		return AccrualRun{}, err
	}
	defer release()
	return s.execute(ctx, RunKindReversal, nil, &periodID, rules, func(ctx context.Context, run AccrualRun, rule AccrualRule) ruleOutcome {
		return s.processReversal(ctx, run, rule, prev, period)
	})
}

// RunPeriodEnd executes PERIOD_END rules plus deferral rules whose schedule
// allocates an amount to periodID. Entries are dated at the period end unless
// asOf falls inside the period.
func (s *Service) RunPeriodEnd(ctx context.Context, periodID int64, asOf *time.Time) (AccrualRun, error) {
	period, err := s.periodRepo.GetByID(ctx, periodID)
	if err != nil {
		return AccrualRun{}, err
	}
	entryDate := period.EndDate
	if asOf != nil && period.Contains(*asOf) {
		entryDate = *asOf
	}
	rules, err := s.repo.ListRules(ctx, RuleFilter{Status: RuleStatusActive})
	if err != nil {
		return AccrualRun{}, err
	}
	selected := rules[:0:0]
	for _, rule := range rules {
		if rule.Frequency == FrequencyPeriodEnd || rule.RuleType == RuleTypeDeferral {
			selected = append(selected, rule)
		}
	}
	release, err := s.lockPeriod(ctx, periodID)
	if err != nil {
		return AccrualRun{}, err
	}
	defer release()
	return s.execute(ctx, RunKindPeriodEnd, asOf, &periodID, selected, func(ctx context.Context, run AccrualRun, rule AccrualRule) ruleOutcome {
		opts := synthesisOptions{}
		if rule.RuleType == RuleTypeDeferral {
			amount, applies, err := s.deferralAmount(ctx, rule, periodID)
			if err != nil {
				return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
			}
			if !applies {
				// The schedule has nothing for this period.
				return ruleOutcome{}
			}
			opts.amountOverride = &amount
		}
		return s.processRule(ctx, run, rule, period, entryDate, RunKindPeriodEnd, opts)
	})
}

// execute records the run, fans the rules out across a bounded worker pool
// and finalizes the run status from the tallies. Rule failures are recorded,
// not fatal; the run itself only fails when nothing could be processed.
func (s *Service) execute(ctx context.Context, kind RunKind, asOf *time.Time, periodID *int64, rules []AccrualRule, process func(context.Context, AccrualRun, AccrualRule) ruleOutcome) (AccrualRun, error) {
	run, err := s.repo.CreateRun(ctx, kind, asOf, periodID, s.now())
	if err != nil {
		return AccrualRun{}, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			outcome := process(gctx, run, rule)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.failure != nil:
				run.Failed++
				run.Failures = append(run.Failures, *outcome.failure)
				if err := s.repo.AddFailure(gctx, run.ID, outcome.failure.RuleID, outcome.failure.Reason); err != nil {
					s.logger.Error("record accrual failure", slog.Int64("rule", outcome.failure.RuleID), slog.Any("error", err))
				}
			case outcome.reused:
				run.Reused++
			default:
				run.Processed++
			}
			return nil
		})
	}
	_ = g.Wait()

	run.Status = RunStatusCompleted
	if run.Processed == 0 && run.Reused == 0 && run.Failed > 0 {
		run.Status = RunStatusFailed
	}
	finished := s.now()
	run.FinishedAt = &finished
	if err := s.repo.FinishRun(ctx, run, finished); err != nil {
		return AccrualRun{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveAccrualRun(string(kind), string(run.Status))
	}
	return s.repo.GetRun(ctx, run.ID)
}

type synthesisOptions struct {
	amountOverride *int64
}

// processRule claims the (rule, period, kind) slot and synthesizes the draft
// if the slot is fresh. A claim that already carries an entry is returned as
// reused instead of generating a duplicate.
func (s *Service) processRule(ctx context.Context, run AccrualRun, rule AccrualRule, period periods.Period, entryDate time.Time, kind RunKind, opts synthesisOptions) ruleOutcome {
	claim, _, err := s.repo.ClaimRunEntry(ctx, run.ID, rule.ID, period.ID, kind)
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if claim.EntryID != 0 {
		return ruleOutcome{reused: true}
	}
	if period.Status != periods.PeriodStatusOpen {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: "target period is not open"}}
	}
	lines, err := s.buildLines(ctx, rule, period, opts)
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	entry, err := s.journals.Create(ctx, journals.CreateInput{
		PeriodID:  period.ID,
		EntryDate: entryDate,
		TypeCode:  journals.EntryTypeAdjustment,
		Memo:      fmt.Sprintf("%s (%s)", rule.Name, rule.Code),
		Lines:     lines,
	})
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if err := s.repo.AttachEntry(ctx, claim.ID, entry.ID); err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if err := s.repo.TouchLastRun(ctx, rule.ID, entryDate); err != nil {
		s.logger.Error("touch last run", slog.Int64("rule", rule.ID), slog.Any("error", err))
	}
	return ruleOutcome{}
}

// processReversal mirrors the rule's posted accrual from the prior period
// into the target period.
func (s *Service) processReversal(ctx context.Context, run AccrualRun, rule AccrualRule, prev, target periods.Period) ruleOutcome {
	origin, found, err := s.repo.FindOriginating(ctx, rule.ID, prev.ID)
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if !found {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: "no originating accrual in prior period"}}
	}
	source, err := s.journals.Detail(ctx, origin.EntryID)
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if source.Status != journals.EntryStatusPosted {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: "originating accrual was not posted"}}
	}

	claim, _, err := s.repo.ClaimRunEntry(ctx, run.ID, rule.ID, target.ID, RunKindReversal)
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if claim.EntryID != 0 {
		return ruleOutcome{reused: true}
	}
	if target.Status != periods.PeriodStatusOpen {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: "target period is not open"}}
	}
	lines := make([]journals.LineInput, 0, len(source.Lines))
	for _, line := range source.Lines {
		lines = append(lines, journals.LineInput{
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       line.Credit,
			Credit:      line.Debit,
		})
	}
	entry, err := s.journals.Create(ctx, journals.CreateInput{
		PeriodID:      target.ID,
		EntryDate:     target.StartDate,
		TypeCode:      journals.EntryTypeAdjustment,
		Memo:          fmt.Sprintf("Reversal of %s (%s)", rule.Name, rule.Code),
		SourceEntryID: &source.ID,
		Lines:         lines,
	})
	if err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	if err := s.repo.AttachEntry(ctx, claim.ID, entry.ID); err != nil {
		return ruleOutcome{failure: &RunFailure{RuleID: rule.ID, Reason: err.Error()}}
	}
	return ruleOutcome{}
}

// buildLines materializes the rule template. Derived lines read the basis
// account's net from the prior period and apply the rate in basis points.
func (s *Service) buildLines(ctx context.Context, rule AccrualRule, period periods.Period, opts synthesisOptions) ([]journals.LineInput, error) {
	out := make([]journals.LineInput, 0, len(rule.Lines))
	for _, line := range rule.Lines {
		amount := line.Amount
		if opts.amountOverride != nil {
			amount = *opts.amountOverride
		} else if line.Derived() {
			derived, err := s.deriveAmount(ctx, line, period)
			if err != nil {
				return nil, err
			}
			amount = derived
		}
		if amount <= 0 {
			return nil, fmt.Errorf("accruals: rule %s line %d resolves to a non-positive amount", rule.Code, line.LineNo)
		}
		in := journals.LineInput{AccountID: line.AccountID, Description: line.Description}
		if line.Side == SideDebit {
			in.Debit = amount
		} else {
			in.Credit = amount
		}
		out = append(out, in)
	}
	return out, nil
}

// deriveAmount computes |prior-period net of the basis account| * rate/10000.
func (s *Service) deriveAmount(ctx context.Context, line RuleLine, period periods.Period) (int64, error) {
	prev, err := s.periodRepo.PreviousBefore(ctx, period.StartDate)
	if err != nil {
		if errors.Is(err, periods.ErrNotFound) {
			return 0, errors.New("accruals: no prior period for derived basis")
		}
		return 0, err
	}
	net, err := s.ledgerRepo.AccountNet(ctx, prev.ID, *line.BasisAccountID)
	if err != nil {
		return 0, err
	}
	basis := net.Net()
	if basis < 0 {
		basis = -basis
	}
	return basis * line.BasisRateBps / 10000, nil
}

// deferralAmount resolves the slice of the rule's schedule allocated to
// periodID by walking consecutive periods from the schedule start.
func (s *Service) deferralAmount(ctx context.Context, rule AccrualRule, periodID int64) (int64, bool, error) {
	sched := rule.Deferral
	if sched == nil {
		return 0, false, ErrDeferralRequired
	}
	allocations := AllocateDeferral(sched.TotalAmount, sched.PeriodCount)
	current, err := s.periodRepo.GetByID(ctx, sched.StartPeriodID)
	if err != nil {
		return 0, false, err
	}
	for idx := 0; idx < sched.PeriodCount; idx++ {
		if current.ID == periodID {
			return allocations[idx], true, nil
		}
		next, err := s.periodRepo.NextAfter(ctx, current.EndDate)
		if err != nil {
			if errors.Is(err, periods.ErrNotFound) {
				return 0, false, nil
			}
			return 0, false, err
		}
		current = next
	}
	return 0, false, nil
}
