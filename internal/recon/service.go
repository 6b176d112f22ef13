package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/journals"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/observability"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
)

// Service recomputes balances from posted lines and diffs them against the
// cached GL balances. Matching is exact in minor units; there is no tolerance
// for real mismatches.
type Service struct {
	repo        Repository
	ledgerRepo  ledger.Repository
	accountRepo accounts.Repository
	periodRepo  periods.Repository
	journals    *journals.Service
	suspense    string
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService constructs the engine. suspenseCode names the account that
// absorbs the offsetting side of auto-corrections.
func NewService(repo Repository, ledgerRepo ledger.Repository, accountRepo accounts.Repository, periodRepo periods.Repository, journalSvc *journals.Service, suspenseCode string, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		ledgerRepo:  ledgerRepo,
		accountRepo: accountRepo,
		periodRepo:  periodRepo,
		journals:    journalSvc,
		suspense:    suspenseCode,
		logger:      logger,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches reconciliation metrics.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// ReconcilePeriod diffs every account with activity or a cached balance in
// the period. Both sides come from one repository snapshot so a posting that
// commits mid-read never surfaces as a phantom mismatch.
func (s *Service) ReconcilePeriod(ctx context.Context, periodID int64, onlyMismatches bool) ([]Diff, error) {
	diffs, err := s.computeDiffs(ctx, periodID)
	if err != nil {
		return nil, err
	}
	mismatches := 0
	for _, d := range diffs {
		if !d.IsMatch {
			mismatches++
		}
	}
	if s.metrics != nil {
		s.metrics.SetReconMismatches(mismatches)
	}
	if !onlyMismatches {
		return diffs, nil
	}
	out := diffs[:0:0]
	for _, d := range diffs {
		if !d.IsMatch {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) computeDiffs(ctx context.Context, periodID int64) ([]Diff, error) {
	snap, err := s.repo.Snapshot(ctx, periodID)
	if err != nil {
		return nil, err
	}
	cached := snap.Cached
	recomputed := make(map[int64]int64, len(snap.Nets))
	for _, net := range snap.Nets {
		recomputed[net.AccountID] = net.Net()
	}
	ids := make([]int64, 0, len(recomputed)+len(cached))
	seen := make(map[int64]bool, len(recomputed))
	for id := range recomputed {
		ids = append(ids, id)
		seen[id] = true
	}
	for id := range cached {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	meta, err := s.accountRepo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	diffs := make([]Diff, 0, len(ids))
	for _, id := range ids {
		account := meta[id]
		side := int64(account.Type.NormalSide())
		if side == 0 {
			side = 1
		}
		gl := cached[id] * side
		computed := recomputed[id] * side
		diff := Diff{
			AccountID:   id,
			AccountCode: account.Code,
			AccountName: account.Name,
			AccountType: account.Type,
			GLBalance:   gl,
			Recomputed:  computed,
			Difference:  gl - computed,
			IsMatch:     gl == computed,
		}
		diffs = append(diffs, diff)
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].AccountCode < diffs[j].AccountCode })
	return diffs, nil
}

// MismatchCount reports how many accounts in the period fail reconciliation.
// The period controller consults it before closing.
func (s *Service) MismatchCount(ctx context.Context, periodID int64) (int, error) {
	diffs, err := s.computeDiffs(ctx, periodID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, d := range diffs {
		if !d.IsMatch {
			count++
		}
	}
	return count, nil
}

// AccountActivity returns the posted lines behind one account's recomputed
// balance, for mismatch drill-down.
func (s *Service) AccountActivity(ctx context.Context, periodID, accountID int64) ([]ledger.PostedLine, error) {
	return s.ledgerRepo.AccountActivity(ctx, periodID, accountID)
}

// AutoCorrect posts a correcting entry for each mismatch whose absolute
// difference is within threshold (minor units); larger diffs are surfaced
// untouched for manual investigation. With dryRun the corrections are only
// planned and nothing is written.
func (s *Service) AutoCorrect(ctx context.Context, periodID, threshold int64, dryRun bool) (AutoCorrectResult, error) {
	if threshold < 0 {
		threshold = 0
	}
	period, err := s.periodRepo.GetByID(ctx, periodID)
	if err != nil {
		return AutoCorrectResult{}, err
	}
	diffs, err := s.computeDiffs(ctx, periodID)
	if err != nil {
		return AutoCorrectResult{}, err
	}
	result := AutoCorrectResult{PeriodID: periodID, DryRun: dryRun}
	var suspense accounts.Account
	for _, d := range diffs {
		if d.IsMatch {
			continue
		}
		abs := d.Difference
		if abs < 0 {
			abs = -abs
		}
		if abs > threshold {
			result.Skipped = append(result.Skipped, d)
			continue
		}
		if dryRun {
			result.Corrections = append(result.Corrections, Correction{AccountID: d.AccountID, Difference: d.Difference})
			continue
		}
		if suspense.ID == 0 {
			suspense, err = s.accountRepo.GetByCode(ctx, s.suspense)
			if err != nil {
				return AutoCorrectResult{}, fmt.Errorf("recon: suspense account %q: %w", s.suspense, err)
			}
		}
		entryID, err := s.applyCorrection(ctx, period, d, suspense)
		if err != nil {
			s.logger.Error("auto-correct", slog.Int64("account", d.AccountID), slog.Any("error", err))
			return result, err
		}
		result.Corrections = append(result.Corrections, Correction{
			AccountID:  d.AccountID,
			Difference: d.Difference,
			EntryID:    entryID,
			Applied:    true,
		})
	}
	if s.metrics != nil && !dryRun && len(result.Corrections) > 0 {
		s.metrics.ObserveAutoCorrection(len(result.Corrections))
	}
	return result, nil
}

// applyCorrection moves the account's posted total to the cached balance by
// posting the raw difference against the suspense account, then resyncs the
// cache rows the posting itself touched.
func (s *Service) applyCorrection(ctx context.Context, period periods.Period, d Diff, suspense accounts.Account) (int64, error) {
	side := int64(d.AccountType.NormalSide())
	if side == 0 {
		side = 1
	}
	// Back to raw debit-minus-credit space.
	rawDiff := d.Difference * side
	memo := fmt.Sprintf("Reconciliation correction for %s (%s)", d.AccountName, shared.FormatAmountGrouped(d.Difference))
	var lines []journals.LineInput
	if rawDiff > 0 {
		lines = []journals.LineInput{
			{AccountID: d.AccountID, Description: memo, Debit: rawDiff},
			{AccountID: suspense.ID, Description: memo, Credit: rawDiff},
		}
	} else {
		lines = []journals.LineInput{
			{AccountID: d.AccountID, Description: memo, Credit: -rawDiff},
			{AccountID: suspense.ID, Description: memo, Debit: -rawDiff},
		}
	}
	entryDate := period.EndDate
	if now := s.now(); period.Contains(now) {
		entryDate = now
	}
	entry, err := s.journals.PostSystemEntry(ctx, period.ID, entryDate, journals.EntryTypeAdjustment, memo, lines, nil)
	if err != nil {
		return 0, err
	}
	if err := s.repo.ResyncBalances(ctx, period.ID, []int64{d.AccountID, suspense.ID}); err != nil {
		return 0, err
	}
	return entry.ID, nil
}
