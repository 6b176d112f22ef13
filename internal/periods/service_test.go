package periods

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
)

type memoryPeriodRepo struct {
	periods   map[int64]Period
	drafts    map[int64]int
	submitted map[int64]int
	nextID    int64
}

func newMemoryPeriodRepo() *memoryPeriodRepo {
	return &memoryPeriodRepo{
		periods:   make(map[int64]Period),
		drafts:    make(map[int64]int),
		submitted: make(map[int64]int),
	}
}

func (r *memoryPeriodRepo) addMonth(year int, month time.Month, status PeriodStatus) Period {
	r.nextID++
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	p := Period{
		ID:         r.nextID,
		Code:       start.Format("2006-01"),
		FiscalYear: year,
		StartDate:  start,
		EndDate:    start.AddDate(0, 1, -1),
		Status:     status,
	}
	r.periods[p.ID] = p
	return p
}

func (r *memoryPeriodRepo) Insert(ctx context.Context, p Period) (Period, error) {
	r.nextID++
	p.ID = r.nextID
	r.periods[p.ID] = p
	return p, nil
}

func (r *memoryPeriodRepo) GetByID(ctx context.Context, id int64) (Period, error) {
	p, ok := r.periods[id]
	if !ok {
		return Period{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryPeriodRepo) List(ctx context.Context, fiscalYear int, status PeriodStatus) ([]Period, error) {
	var out []Period
	for _, p := range r.periods {
		if fiscalYear != 0 && p.FiscalYear != fiscalYear {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *memoryPeriodRepo) FindByDate(ctx context.Context, date time.Time) (Period, error) {
	for _, p := range r.periods {
		if p.Contains(date) {
			return p, nil
		}
	}
	return Period{}, ErrNotFound
}

func (r *memoryPeriodRepo) NextAfter(ctx context.Context, endDate time.Time) (Period, error) {
	var best Period
	for _, p := range r.periods {
		if !p.StartDate.After(endDate) {
			continue
		}
		if best.ID == 0 || p.StartDate.Before(best.StartDate) {
			best = p
		}
	}
	if best.ID == 0 {
		return Period{}, ErrNotFound
	}
	return best, nil
}

func (r *memoryPeriodRepo) PreviousBefore(ctx context.Context, startDate time.Time) (Period, error) {
	var best Period
	for _, p := range r.periods {
		if !p.EndDate.Before(startDate) {
			continue
		}
		if best.ID == 0 || p.EndDate.After(best.EndDate) {
			best = p
		}
	}
	if best.ID == 0 {
		return Period{}, ErrNotFound
	}
	return best, nil
}

func (r *memoryPeriodRepo) RangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	for _, p := range r.periods {
		if !start.After(p.EndDate) && !end.Before(p.StartDate) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryPeriodRepo) UpdateStatus(ctx context.Context, id int64, from, to PeriodStatus, at time.Time) error {
	p, ok := r.periods[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrStatusConflict
	}
	p.Status = to
	switch to {
	case PeriodStatusClosed:
		p.ClosedAt = &at
		p.LockedAt = nil
	case PeriodStatusLocked:
		p.LockedAt = &at
	case PeriodStatusOpen:
		p.ClosedAt = nil
	}
	r.periods[id] = p
	return nil
}

func (r *memoryPeriodRepo) CountBlockingEntries(ctx context.Context, periodID int64) (int, int, error) {
	return r.drafts[periodID], r.submitted[periodID], nil
}

type stubLedger struct {
	rows map[int64][]ledger.TrialBalanceRow
}

func (s *stubLedger) AccountActivity(ctx context.Context, periodID, accountID int64) ([]ledger.PostedLine, error) {
	return nil, nil
}

func (s *stubLedger) AccountNet(ctx context.Context, periodID, accountID int64) (ledger.AccountNet, error) {
	return ledger.AccountNet{AccountID: accountID}, nil
}

func (s *stubLedger) TrialBalance(ctx context.Context, periodID int64) ([]ledger.TrialBalanceRow, error) {
	return s.rows[periodID], nil
}

type stubDirectory struct {
	byCode map[string]accounts.Account
}

func (s *stubDirectory) GetByCode(ctx context.Context, code string) (accounts.Account, error) {
	a, ok := s.byCode[code]
	if !ok {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return a, nil
}

type stubRecon struct {
	mismatches map[int64]int
}

func (s *stubRecon) MismatchCount(ctx context.Context, periodID int64) (int, error) {
	return s.mismatches[periodID], nil
}

type recordedCarry struct {
	periodID  int64
	entryDate time.Time
	typeCode  string
	memo      string
	lines     []CarryLine
}

type stubPoster struct {
	carries []recordedCarry
	nextID  int64
}

func (s *stubPoster) PostSystemEntry(ctx context.Context, periodID int64, entryDate time.Time, typeCode, memo string, lines []CarryLine) (int64, error) {
	s.carries = append(s.carries, recordedCarry{
		periodID:  periodID,
		entryDate: entryDate,
		typeCode:  typeCode,
		memo:      memo,
		lines:     lines,
	})
	s.nextID++
	return s.nextID, nil
}

func newTestService(repo *memoryPeriodRepo, led *stubLedger) *Service {
	if led == nil {
		led = &stubLedger{rows: map[int64][]ledger.TrialBalanceRow{}}
	}
	dir := &stubDirectory{byCode: map[string]accounts.Account{
		"3900": {ID: 39, Code: "3900", Name: "Retained Earnings", Type: accounts.AccountTypeEquity},
	}}
	svc := NewService(repo, led, dir, "3900")
	svc.WithNow(func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) })
	return svc
}

func TestCreateRejectsOverlap(t *testing.T) {
	repo := newMemoryPeriodRepo()
	repo.addMonth(2026, time.January, PeriodStatusOpen)
	svc := newTestService(repo, nil)

	_, err := svc.Create(context.Background(), CreateInput{
		Code:       "2026-01b",
		FiscalYear: 2026,
		StartDate:  time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrOverlap)
}

func TestTransitionPolicy(t *testing.T) {
	require.NoError(t, ValidateTransition(PeriodStatusOpen, PeriodStatusClosed))
	require.NoError(t, ValidateTransition(PeriodStatusClosed, PeriodStatusOpen))
	require.NoError(t, ValidateTransition(PeriodStatusClosed, PeriodStatusLocked))
	require.NoError(t, ValidateTransition(PeriodStatusLocked, PeriodStatusClosed))
	require.ErrorIs(t, ValidateTransition(PeriodStatusLocked, PeriodStatusOpen), ErrPeriodLocked)
	require.ErrorIs(t, ValidateTransition(PeriodStatusOpen, PeriodStatusLocked), ErrInvalidTransition)
}

func TestCloseBlockedByUnpostedEntries(t *testing.T) {
	repo := newMemoryPeriodRepo()
	p := repo.addMonth(2026, time.January, PeriodStatusOpen)
	repo.drafts[p.ID] = 2
	repo.submitted[p.ID] = 1
	svc := newTestService(repo, nil)

	preview, err := svc.ClosePreview(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, preview.DraftEntries)
	require.Equal(t, 1, preview.SubmittedEntries)
	require.False(t, preview.Empty())

	_, err = svc.Close(context.Background(), p.ID, CloseOptions{})
	require.ErrorIs(t, err, ErrHasBlockingEntries)

	closed, err := svc.Close(context.Background(), p.ID, CloseOptions{Override: true, Reason: "month-end cutoff"})
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
}

func TestCloseBlockedByReconMismatches(t *testing.T) {
	repo := newMemoryPeriodRepo()
	p := repo.addMonth(2026, time.January, PeriodStatusOpen)
	svc := newTestService(repo, nil)
	svc.SetReconChecker(&stubRecon{mismatches: map[int64]int{p.ID: 3}})

	preview, err := svc.ClosePreview(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 3, preview.ReconMismatches)

	_, err = svc.Close(context.Background(), p.ID, CloseOptions{})
	require.ErrorIs(t, err, ErrHasBlockingEntries)
}

func TestLockRequiresClosed(t *testing.T) {
	repo := newMemoryPeriodRepo()
	p := repo.addMonth(2026, time.January, PeriodStatusOpen)
	svc := newTestService(repo, nil)

	_, err := svc.Lock(context.Background(), p.ID)
	require.ErrorIs(t, err, ErrPeriodNotClosed)

	_, err = svc.Close(context.Background(), p.ID, CloseOptions{})
	require.NoError(t, err)

	locked, err := svc.Lock(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusLocked, locked.Status)

	// Lock is idempotent.
	again, err := svc.Lock(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusLocked, again.Status)
}

func TestReopenRefusesLocked(t *testing.T) {
	repo := newMemoryPeriodRepo()
	p := repo.addMonth(2026, time.January, PeriodStatusOpen)
	svc := newTestService(repo, nil)

	_, err := svc.Close(context.Background(), p.ID, CloseOptions{})
	require.NoError(t, err)
	_, err = svc.Lock(context.Background(), p.ID)
	require.NoError(t, err)

	_, err = svc.Reopen(context.Background(), p.ID)
	require.ErrorIs(t, err, ErrPeriodLocked)

	_, err = svc.Unlock(context.Background(), p.ID)
	require.NoError(t, err)
	reopened, err := svc.Reopen(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusOpen, reopened.Status)
}

func TestRollForwardCarriesBalancesAndNetIncome(t *testing.T) {
	repo := newMemoryPeriodRepo()
	jan := repo.addMonth(2026, time.January, PeriodStatusClosed)
	feb := repo.addMonth(2026, time.February, PeriodStatusOpen)

	led := &stubLedger{rows: map[int64][]ledger.TrialBalanceRow{
		jan.ID: {
			{AccountID: 1, AccountCode: "1000", AccountType: "ASSET", Debit: 150000, Credit: 50000},
			{AccountID: 2, AccountCode: "2000", AccountType: "LIABILITY", Debit: 0, Credit: 40000},
			{AccountID: 4, AccountCode: "4000", AccountType: "REVENUE", Debit: 0, Credit: 90000},
			{AccountID: 6, AccountCode: "6000", AccountType: "EXPENSE", Debit: 30000, Credit: 0},
			{AccountID: 5, AccountCode: "1500", AccountType: "ASSET", Debit: 20000, Credit: 20000},
		},
	}}
	svc := newTestService(repo, led)
	poster := &stubPoster{}
	svc.SetCarryForwardPoster(poster)

	result, err := svc.RollForward(context.Background(), jan.ID, RollForwardOptions{})
	require.NoError(t, err)
	require.Equal(t, jan.ID, result.SourcePeriodID)
	require.Equal(t, feb.ID, result.DestinationPeriodID)

	// Revenue 90000 credit against expense 30000 debit nets to -60000.
	require.Equal(t, int64(-60000), result.NetIncome)
	require.Len(t, poster.carries, 1)

	carry := poster.carries[0]
	require.Equal(t, feb.ID, carry.periodID)
	require.Equal(t, feb.StartDate, carry.entryDate)
	require.Equal(t, "CLOSING", carry.typeCode)

	// Asset 1000 carries 100000 debit, liability carries 40000 credit, zero-net
	// account is skipped, and retained earnings absorbs the income.
	require.Len(t, carry.lines, 3)
	byAccount := map[int64]CarryLine{}
	var totalDebit, totalCredit int64
	for _, line := range carry.lines {
		byAccount[line.AccountID] = line
		totalDebit += line.Debit
		totalCredit += line.Credit
	}
	require.Equal(t, int64(100000), byAccount[1].Debit)
	require.Equal(t, int64(40000), byAccount[2].Credit)
	require.Equal(t, int64(60000), byAccount[39].Credit)
	require.Equal(t, totalDebit, totalCredit)
}

func TestRollForwardRequiresClosedSourceAndOpenDestination(t *testing.T) {
	repo := newMemoryPeriodRepo()
	jan := repo.addMonth(2026, time.January, PeriodStatusOpen)
	svc := newTestService(repo, nil)
	svc.SetCarryForwardPoster(&stubPoster{})

	_, err := svc.RollForward(context.Background(), jan.ID, RollForwardOptions{})
	require.ErrorIs(t, err, ErrPeriodNotClosed)

	repo.periods[jan.ID] = func() Period { p := repo.periods[jan.ID]; p.Status = PeriodStatusClosed; return p }()
	_, err = svc.RollForward(context.Background(), jan.ID, RollForwardOptions{})
	require.ErrorIs(t, err, ErrNoNextPeriod)
}

func TestCurrentAndNeighbours(t *testing.T) {
	repo := newMemoryPeriodRepo()
	jan := repo.addMonth(2026, time.January, PeriodStatusOpen)
	feb := repo.addMonth(2026, time.February, PeriodStatusOpen)
	svc := newTestService(repo, nil)

	current, err := svc.Current(context.Background(), time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, jan.ID, current.ID)

	next, err := svc.Next(context.Background(), jan.ID)
	require.NoError(t, err)
	require.Equal(t, feb.ID, next.ID)

	prev, err := svc.Previous(context.Background(), feb.ID)
	require.NoError(t, err)
	require.Equal(t, jan.ID, prev.ID)
}
