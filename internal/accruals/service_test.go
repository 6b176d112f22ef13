package accruals

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atlas-ledger/atlas-ledger/internal/journals"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
)

// fixture holds the shared in-memory state behind every repository fake so
// the scheduler, the journal engine and the period lookups see one world.
type fixture struct {
	periods   map[int64]periods.Period
	entries   map[int64]journals.JournalEntry
	lines     map[int64][]journals.JournalLine
	nets      map[int64]ledger.AccountNet
	rules     map[int64]AccrualRule
	runs      map[int64]AccrualRun
	failures  map[int64][]RunFailure
	claims    map[claimKey]*RunEntry
	nextID    int64
	nextEntry int64
	nextLine  int64
	nextClaim int64
}

type claimKey struct {
	ruleID   int64
	periodID int64
	kind     RunKind
}

func newFixture() *fixture {
	return &fixture{
		periods:  make(map[int64]periods.Period),
		entries:  make(map[int64]journals.JournalEntry),
		lines:    make(map[int64][]journals.JournalLine),
		nets:     make(map[int64]ledger.AccountNet),
		rules:    make(map[int64]AccrualRule),
		runs:     make(map[int64]AccrualRun),
		failures: make(map[int64][]RunFailure),
		claims:   make(map[claimKey]*RunEntry),
	}
}

func (f *fixture) addMonth(year int, month time.Month, status periods.PeriodStatus) periods.Period {
	f.nextID++
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	p := periods.Period{
		ID:        f.nextID,
		Code:      start.Format("2006-01"),
		StartDate: start,
		EndDate:   start.AddDate(0, 1, -1),
		Status:    status,
	}
	f.periods[p.ID] = p
	return p
}

// periodRepo adapts the fixture to periods.Repository.
type periodRepo struct{ f *fixture }

func (r periodRepo) Insert(ctx context.Context, p periods.Period) (periods.Period, error) {
	r.f.nextID++
	p.ID = r.f.nextID
	r.f.periods[p.ID] = p
	return p, nil
}

func (r periodRepo) GetByID(ctx context.Context, id int64) (periods.Period, error) {
	p, ok := r.f.periods[id]
	if !ok {
		return periods.Period{}, periods.ErrNotFound
	}
	return p, nil
}

func (r periodRepo) List(ctx context.Context, fiscalYear int, status periods.PeriodStatus) ([]periods.Period, error) {
	return nil, nil
}

func (r periodRepo) FindByDate(ctx context.Context, date time.Time) (periods.Period, error) {
	for _, p := range r.f.periods {
		if p.Contains(date) {
			return p, nil
		}
	}
	return periods.Period{}, periods.ErrNotFound
}

func (r periodRepo) NextAfter(ctx context.Context, endDate time.Time) (periods.Period, error) {
	var best periods.Period
	for _, p := range r.f.periods {
		if !p.StartDate.After(endDate) {
			continue
		}
		if best.ID == 0 || p.StartDate.Before(best.StartDate) {
			best = p
		}
	}
	if best.ID == 0 {
		return periods.Period{}, periods.ErrNotFound
	}
	return best, nil
}

func (r periodRepo) PreviousBefore(ctx context.Context, startDate time.Time) (periods.Period, error) {
	var best periods.Period
	for _, p := range r.f.periods {
		if !p.EndDate.Before(startDate) {
			continue
		}
		if best.ID == 0 || p.EndDate.After(best.EndDate) {
			best = p
		}
	}
	if best.ID == 0 {
		return periods.Period{}, periods.ErrNotFound
	}
	return best, nil
}

func (r periodRepo) RangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	return false, nil
}

func (r periodRepo) UpdateStatus(ctx context.Context, id int64, from, to periods.PeriodStatus, at time.Time) error {
	p := r.f.periods[id]
	p.Status = to
	r.f.periods[id] = p
	return nil
}

func (r periodRepo) CountBlockingEntries(ctx context.Context, periodID int64) (int, int, error) {
	return 0, 0, nil
}

// journalStore adapts the fixture to journals.Repository.
type journalStore struct{ f *fixture }

type journalStoreTx struct{ f *fixture }

func (s journalStore) List(ctx context.Context, filter journals.ListFilter) ([]journals.JournalEntry, error) {
	return nil, nil
}

func (s journalStore) GetWithLines(ctx context.Context, id int64) (journals.JournalEntry, error) {
	e, ok := s.f.entries[id]
	if !ok {
		return journals.JournalEntry{}, journals.ErrNotFound
	}
	e.Lines = append([]journals.JournalLine(nil), s.f.lines[id]...)
	return e, nil
}

func (s journalStore) FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (journals.JournalEntry, bool, error) {
	return journals.JournalEntry{}, false, nil
}

func (s journalStore) WithTx(ctx context.Context, fn func(context.Context, journals.TxRepository) error) error {
	return fn(ctx, journalStoreTx{f: s.f})
}

func (t journalStoreTx) InsertEntry(ctx context.Context, in journals.CreateInput, status journals.EntryStatus) (journals.JournalEntry, error) {
	t.f.nextEntry++
	e := journals.JournalEntry{
		ID:            t.f.nextEntry,
		PeriodID:      in.PeriodID,
		EntryDate:     in.EntryDate,
		TypeCode:      in.TypeCode,
		Memo:          in.Memo,
		Status:        status,
		SourceEntryID: in.SourceEntryID,
	}
	t.f.entries[e.ID] = e
	return e, nil
}

func (t journalStoreTx) InsertLines(ctx context.Context, entryID int64, lines []journals.LineInput) ([]journals.JournalLine, error) {
	var out []journals.JournalLine
	for idx, in := range lines {
		t.f.nextLine++
		line := journals.JournalLine{
			ID:          t.f.nextLine,
			EntryID:     entryID,
			LineNo:      idx + 1,
			AccountID:   in.AccountID,
			Description: in.Description,
			Debit:       in.Debit,
			Credit:      in.Credit,
		}
		t.f.lines[entryID] = append(t.f.lines[entryID], line)
		out = append(out, line)
	}
	return out, nil
}

func (t journalStoreTx) ReplaceLines(ctx context.Context, entryID int64, lines []journals.LineInput) ([]journals.JournalLine, error) {
	t.f.lines[entryID] = nil
	return t.InsertLines(ctx, entryID, lines)
}

func (t journalStoreTx) AddLine(ctx context.Context, entryID int64, line journals.LineInput) (journals.JournalLine, error) {
	lines, err := t.InsertLines(ctx, entryID, []journals.LineInput{line})
	if err != nil {
		return journals.JournalLine{}, err
	}
	return lines[0], nil
}

func (t journalStoreTx) UpdateLine(ctx context.Context, entryID, lineID int64, line journals.LineInput) error {
	return journals.ErrLineNotFound
}

func (t journalStoreTx) DeleteLine(ctx context.Context, entryID, lineID int64) error {
	return journals.ErrLineNotFound
}

func (t journalStoreTx) GetEntryForUpdate(ctx context.Context, id int64) (journals.JournalEntry, error) {
	e, ok := t.f.entries[id]
	if !ok {
		return journals.JournalEntry{}, journals.ErrNotFound
	}
	return e, nil
}

func (t journalStoreTx) GetLines(ctx context.Context, entryID int64) ([]journals.JournalLine, error) {
	return append([]journals.JournalLine(nil), t.f.lines[entryID]...), nil
}

func (t journalStoreTx) UpdateStatus(ctx context.Context, id int64, from, to journals.EntryStatus, reason string, at time.Time) error {
	e, ok := t.f.entries[id]
	if !ok {
		return journals.ErrNotFound
	}
	if e.Status != from {
		return journals.ErrStatusConflict
	}
	e.Status = to
	t.f.entries[id] = e
	return nil
}

func (t journalStoreTx) AppendPostedLines(ctx context.Context, entry journals.JournalEntry, lines []journals.JournalLine, at time.Time) error {
	return nil
}

func (t journalStoreTx) GetPeriodForUpdate(ctx context.Context, periodID int64) (periods.Period, error) {
	p, ok := t.f.periods[periodID]
	if !ok {
		return periods.Period{}, periods.ErrNotFound
	}
	return p, nil
}

func (t journalStoreTx) EnsureAccountsPostable(ctx context.Context, ids []int64) error {
	return nil
}

func (t journalStoreTx) FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (journals.JournalEntry, bool, error) {
	return journals.JournalEntry{}, false, nil
}

// ruleRepo adapts the fixture to the accrual Repository.
type ruleRepo struct{ f *fixture }

func (r ruleRepo) InsertRule(ctx context.Context, rule AccrualRule) (AccrualRule, error) {
	r.f.nextID++
	rule.ID = r.f.nextID
	for idx := range rule.Lines {
		rule.Lines[idx].RuleID = rule.ID
		rule.Lines[idx].LineNo = idx + 1
	}
	r.f.rules[rule.ID] = rule
	return rule, nil
}

func (r ruleRepo) GetRule(ctx context.Context, id int64) (AccrualRule, error) {
	rule, ok := r.f.rules[id]
	if !ok {
		return AccrualRule{}, ErrRuleNotFound
	}
	return rule, nil
}

func (r ruleRepo) ListRules(ctx context.Context, filter RuleFilter) ([]AccrualRule, error) {
	var out []AccrualRule
	for _, rule := range r.f.rules {
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if filter.RuleType != "" && rule.RuleType != filter.RuleType {
			continue
		}
		if filter.Frequency != "" && rule.Frequency != filter.Frequency {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

func (r ruleRepo) TouchLastRun(ctx context.Context, ruleID int64, at time.Time) error {
	rule, ok := r.f.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	rule.LastRunAt = &at
	r.f.rules[ruleID] = rule
	return nil
}

func (r ruleRepo) CreateRun(ctx context.Context, kind RunKind, asOf *time.Time, periodID *int64, at time.Time) (AccrualRun, error) {
	r.f.nextID++
	run := AccrualRun{ID: r.f.nextID, Kind: kind, AsOfDate: asOf, PeriodID: periodID, Status: RunStatusRunning, StartedAt: at}
	r.f.runs[run.ID] = run
	return run, nil
}

func (r ruleRepo) FinishRun(ctx context.Context, run AccrualRun, at time.Time) error {
	r.f.runs[run.ID] = run
	return nil
}

func (r ruleRepo) AddFailure(ctx context.Context, runID, ruleID int64, reason string) error {
	r.f.failures[runID] = append(r.f.failures[runID], RunFailure{RuleID: ruleID, Reason: reason})
	return nil
}

func (r ruleRepo) GetRun(ctx context.Context, id int64) (AccrualRun, error) {
	run, ok := r.f.runs[id]
	if !ok {
		return AccrualRun{}, ErrRunNotFound
	}
	for _, claim := range r.f.claims {
		if claim.RunID == id {
			run.Entries = append(run.Entries, *claim)
		}
	}
	run.Failures = append([]RunFailure(nil), r.f.failures[id]...)
	return run, nil
}

func (r ruleRepo) ListRuns(ctx context.Context, filter RunFilter) ([]AccrualRun, error) {
	var out []AccrualRun
	for _, run := range r.f.runs {
		out = append(out, run)
	}
	return out, nil
}

func (r ruleRepo) ClaimRunEntry(ctx context.Context, runID, ruleID, targetPeriodID int64, kind RunKind) (RunEntry, bool, error) {
	key := claimKey{ruleID: ruleID, periodID: targetPeriodID, kind: kind}
	if existing, ok := r.f.claims[key]; ok {
		return *existing, false, nil
	}
	r.f.nextClaim++
	claim := &RunEntry{ID: r.f.nextClaim, RunID: runID, RuleID: ruleID, TargetPeriodID: targetPeriodID, Kind: kind}
	r.f.claims[key] = claim
	return *claim, true, nil
}

func (r ruleRepo) AttachEntry(ctx context.Context, claimID, entryID int64) error {
	for _, claim := range r.f.claims {
		if claim.ID == claimID {
			claim.EntryID = entryID
			return nil
		}
	}
	return ErrRunNotFound
}

func (r ruleRepo) FindOriginating(ctx context.Context, ruleID, periodID int64) (RunEntry, bool, error) {
	for _, kind := range []RunKind{RunKindDue, RunKindPeriodEnd} {
		if claim, ok := r.f.claims[claimKey{ruleID: ruleID, periodID: periodID, kind: kind}]; ok && claim.EntryID != 0 {
			return *claim, true, nil
		}
	}
	return RunEntry{}, false, nil
}

// ledgerStub serves derived-basis lookups.
type ledgerStub struct{ f *fixture }

func (l ledgerStub) AccountActivity(ctx context.Context, periodID, accountID int64) ([]ledger.PostedLine, error) {
	return nil, nil
}

func (l ledgerStub) AccountNet(ctx context.Context, periodID, accountID int64) (ledger.AccountNet, error) {
	return l.f.nets[accountID], nil
}

func (l ledgerStub) TrialBalance(ctx context.Context, periodID int64) ([]ledger.TrialBalanceRow, error) {
	return nil, nil
}

func newTestScheduler(f *fixture) (*Service, *journals.Service) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	journalSvc := journals.NewService(journalStore{f: f})
	svc := NewService(ruleRepo{f: f}, journalSvc, periodRepo{f: f}, ledgerStub{f: f}, logger, 2)
	svc.WithNow(func() time.Time { return time.Date(2026, 1, 31, 18, 0, 0, 0, time.UTC) })
	return svc, journalSvc
}

func fixedRule(code string, ruleType RuleType, freq Frequency) CreateRuleInput {
	return CreateRuleInput{
		Code:      code,
		Name:      "Rent accrual",
		RuleType:  ruleType,
		Frequency: freq,
		Lines: []RuleLine{
			{AccountID: 61, Side: SideDebit, Description: "Rent expense", Amount: 250000},
			{AccountID: 21, Side: SideCredit, Description: "Accrued liabilities", Amount: 250000},
		},
	}
}

func TestAllocateDeferral(t *testing.T) {
	require.Equal(t, []int64{33, 33, 34}, AllocateDeferral(100, 3))
	require.Equal(t, []int64{100}, AllocateDeferral(100, 1))

	alloc := AllocateDeferral(1000001, 12)
	var sum int64
	for _, a := range alloc {
		sum += a
	}
	require.Equal(t, int64(1000001), sum)
	require.Equal(t, alloc[0], alloc[10])
	require.Greater(t, alloc[11], alloc[0])
}

func TestRuleDueOn(t *testing.T) {
	asOf := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	lastWeek := asOf.AddDate(0, 0, -7)
	yesterday := asOf.AddDate(0, 0, -1)

	monthly := AccrualRule{Frequency: FrequencyMonthly}
	require.True(t, monthly.DueOn(asOf), "never-run rules are due immediately")

	monthly.LastRunAt = &lastWeek
	require.False(t, monthly.DueOn(asOf))

	weekly := AccrualRule{Frequency: FrequencyWeekly, LastRunAt: &lastWeek}
	require.True(t, weekly.DueOn(asOf))

	daily := AccrualRule{Frequency: FrequencyDaily, LastRunAt: &yesterday}
	require.True(t, daily.DueOn(asOf))

	periodEnd := AccrualRule{Frequency: FrequencyPeriodEnd}
	require.False(t, periodEnd.DueOn(asOf))
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture()
	svc, _ := newTestScheduler(f)

	in := fixedRule("RENT-M", RuleTypeReversing, FrequencyMonthly)
	in.Lines = in.Lines[:1]
	_, err := svc.CreateRule(context.Background(), in)
	require.ErrorIs(t, err, ErrInvalidRule)

	in = fixedRule("DEF-1", RuleTypeDeferral, FrequencyPeriodEnd)
	_, err = svc.CreateRule(context.Background(), in)
	require.ErrorIs(t, err, ErrDeferralRequired)
}

func TestRunDueGeneratesOneDraftPerPeriod(t *testing.T) {
	f := newFixture()
	jan := f.addMonth(2026, time.January, periods.PeriodStatusOpen)
	svc, _ := newTestScheduler(f)

	rule, err := svc.CreateRule(context.Background(), fixedRule("RENT-D", RuleTypeReversing, FrequencyDaily))
	require.NoError(t, err)

	asOf := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	run, err := svc.RunDue(context.Background(), asOf)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.Processed)
	require.Len(t, run.Entries, 1)
	require.NotZero(t, run.Entries[0].EntryID)

	entry := f.entries[run.Entries[0].EntryID]
	require.Equal(t, journals.EntryStatusDraft, entry.Status)
	require.Equal(t, jan.ID, entry.PeriodID)
	require.Equal(t, "Rent accrual (RENT-D)", entry.Memo)

	// The rule is due again next day, but the period already has its entry;
	// the claim is reused instead of duplicating the draft.
	again, err := svc.RunDue(context.Background(), asOf.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 0, again.Processed)
	require.Equal(t, 1, again.Reused)
	require.Len(t, f.entries, 1)

	updated, err := svc.RuleDetail(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastRunAt)
}

func TestRunDueWithoutPeriodFails(t *testing.T) {
	f := newFixture()
	svc, _ := newTestScheduler(f)

	_, err := svc.RunDue(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrNoTargetPeriod)
}

func TestRunPeriodEndIntoClosedPeriodRecordsFailure(t *testing.T) {
	f := newFixture()
	jan := f.addMonth(2026, time.January, periods.PeriodStatusClosed)
	svc, _ := newTestScheduler(f)

	_, err := svc.CreateRule(context.Background(), fixedRule("RENT-M", RuleTypeReversing, FrequencyPeriodEnd))
	require.NoError(t, err)

	run, err := svc.RunPeriodEnd(context.Background(), jan.ID, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, run.Status)
	require.Equal(t, 1, run.Failed)
	require.Len(t, run.Failures, 1)
	require.Empty(t, f.entries)
}

func TestRunPeriodEndAllocatesDeferralSlice(t *testing.T) {
	f := newFixture()
	jan := f.addMonth(2026, time.January, periods.PeriodStatusOpen)
	feb := f.addMonth(2026, time.February, periods.PeriodStatusOpen)
	f.addMonth(2026, time.March, periods.PeriodStatusOpen)
	svc, _ := newTestScheduler(f)

	in := fixedRule("INS-Q", RuleTypeDeferral, FrequencyPeriodEnd)
	in.Lines[0].Amount = 0
	in.Lines[1].Amount = 0
	in.Deferral = &DeferralSchedule{TotalAmount: 100000, PeriodCount: 3, StartPeriodID: jan.ID}
	_, err := svc.CreateRule(context.Background(), in)
	require.NoError(t, err)

	run, err := svc.RunPeriodEnd(context.Background(), feb.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, run.Processed)
	require.Len(t, run.Entries, 1)

	lines := f.lines[run.Entries[0].EntryID]
	require.Len(t, lines, 2)
	require.Equal(t, int64(33333), lines[0].Debit)
	require.Equal(t, int64(33333), lines[1].Credit)

	entry := f.entries[run.Entries[0].EntryID]
	require.Equal(t, feb.EndDate, entry.EntryDate)
}

func TestRunPeriodEndSkipsDeferralOutsideSchedule(t *testing.T) {
	f := newFixture()
	jan := f.addMonth(2026, time.January, periods.PeriodStatusOpen)
	f.addMonth(2026, time.February, periods.PeriodStatusOpen)
	mar := f.addMonth(2026, time.March, periods.PeriodStatusOpen)
	svc, _ := newTestScheduler(f)

	in := fixedRule("INS-S", RuleTypeDeferral, FrequencyPeriodEnd)
	in.Lines[0].Amount = 0
	in.Lines[1].Amount = 0
	in.Deferral = &DeferralSchedule{TotalAmount: 100000, PeriodCount: 2, StartPeriodID: jan.ID}
	_, err := svc.CreateRule(context.Background(), in)
	require.NoError(t, err)

	run, err := svc.RunPeriodEnd(context.Background(), mar.ID, nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 0, run.Processed)
	require.Equal(t, 0, run.Failed)
	require.Empty(t, f.entries)
}

func TestRunReversalsMirrorsPostedAccrual(t *testing.T) {
	f := newFixture()
	jan := f.addMonth(2026, time.January, periods.PeriodStatusOpen)
	feb := f.addMonth(2026, time.February, periods.PeriodStatusOpen)
	svc, journalSvc := newTestScheduler(f)

	_, err := svc.CreateRule(context.Background(), fixedRule("RENT-M", RuleTypeReversing, FrequencyPeriodEnd))
	require.NoError(t, err)

	run, err := svc.RunPeriodEnd(context.Background(), jan.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, run.Processed)
	accrualID := run.Entries[0].EntryID

	// The reversal requires the originating accrual to be posted first.
	rev, err := svc.RunReversals(context.Background(), feb.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, rev.Status)

	ctx := context.Background()
	_, err = journalSvc.Submit(ctx, accrualID)
	require.NoError(t, err)
	_, err = journalSvc.Approve(ctx, accrualID)
	require.NoError(t, err)
	_, err = journalSvc.Post(ctx, accrualID)
	require.NoError(t, err)

	rev, err = svc.RunReversals(context.Background(), feb.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, rev.Status)
	require.Equal(t, 1, rev.Processed)

	mirror := f.entries[rev.Entries[0].EntryID]
	require.Equal(t, feb.ID, mirror.PeriodID)
	require.Equal(t, feb.StartDate, mirror.EntryDate)
	require.Equal(t, &accrualID, mirror.SourceEntryID)

	mirrorLines := f.lines[mirror.ID]
	require.Len(t, mirrorLines, 2)
	require.Equal(t, int64(250000), mirrorLines[0].Credit)
	require.Equal(t, int64(250000), mirrorLines[1].Debit)
}

func TestDerivedLineAmountFromPriorPeriodBasis(t *testing.T) {
	f := newFixture()
	f.addMonth(2026, time.January, periods.PeriodStatusOpen)
	feb := f.addMonth(2026, time.February, periods.PeriodStatusOpen)
	f.nets[40] = ledger.AccountNet{AccountID: 40, Debit: 0, Credit: 200000}
	svc, _ := newTestScheduler(f)

	basisAccount := int64(40)
	_, err := svc.CreateRule(context.Background(), CreateRuleInput{
		Code:      "COMM-M",
		Name:      "Sales commission",
		RuleType:  RuleTypeDerived,
		Frequency: FrequencyPeriodEnd,
		Lines: []RuleLine{
			{AccountID: 62, Side: SideDebit, BasisAccountID: &basisAccount, BasisRateBps: 500},
			{AccountID: 21, Side: SideCredit, BasisAccountID: &basisAccount, BasisRateBps: 500},
		},
	})
	require.NoError(t, err)

	run, err := svc.RunPeriodEnd(context.Background(), feb.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, run.Processed)

	// |net -200000| * 500 / 10000 = 10000 on each side.
	lines := f.lines[run.Entries[0].EntryID]
	require.Equal(t, int64(10000), lines[0].Debit)
	require.Equal(t, int64(10000), lines[1].Credit)
}
