package recon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/journals"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
)

// fixture is the single in-memory world every fake repository reads from, so
// a posting made through the journal engine is visible to the ledger reads
// and the balance cache the same way it would be in one database.
type fixture struct {
	period    periods.Period
	accounts  map[int64]accounts.Account
	posted    []ledger.PostedLine
	balances  map[int64]int64
	entries   map[int64]journals.JournalEntry
	lines     map[int64][]journals.JournalLine
	nextEntry int64
	nextLine  int64

	// beforeSnapshot runs once just before the next balance snapshot is
	// taken, standing in for a posting transaction racing the read.
	beforeSnapshot func()
}

func newFixture() *fixture {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fixture{
		period: periods.Period{
			ID:        1,
			Code:      "2026-01",
			StartDate: start,
			EndDate:   start.AddDate(0, 1, -1),
			Status:    periods.PeriodStatusOpen,
		},
		accounts: make(map[int64]accounts.Account),
		balances: make(map[int64]int64),
		entries:  make(map[int64]journals.JournalEntry),
		lines:    make(map[int64][]journals.JournalLine),
	}
	f.addAccount(10, "1000", "Cash", accounts.AccountTypeAsset)
	f.addAccount(40, "4000", "Revenue", accounts.AccountTypeRevenue)
	f.addAccount(99, "9999", "Suspense", accounts.AccountTypeEquity)
	return f
}

func (f *fixture) addAccount(id int64, code, name string, typ accounts.AccountType) {
	f.accounts[id] = accounts.Account{ID: id, Code: code, Name: name, Type: typ, IsPostable: true, Status: accounts.AccountStatusActive}
}

// post records a posted line and folds it into the cached balance, the same
// double write the posting transaction performs.
func (f *fixture) post(accountID, debit, credit int64) {
	f.posted = append(f.posted, ledger.PostedLine{
		PeriodID:  f.period.ID,
		AccountID: accountID,
		Debit:     debit,
		Credit:    credit,
	})
	f.balances[accountID] += debit - credit
}

type cacheRepo struct{ f *fixture }

// Snapshot copies both sides in one step, the way the RepeatableRead
// transaction sees them: a concurrent post lands entirely before or entirely
// after, never in just one side.
func (r cacheRepo) Snapshot(ctx context.Context, periodID int64) (BalanceSnapshot, error) {
	if hook := r.f.beforeSnapshot; hook != nil {
		r.f.beforeSnapshot = nil
		hook()
	}
	byAccount := make(map[int64]ledger.AccountNet)
	for _, line := range r.f.posted {
		net := byAccount[line.AccountID]
		net.AccountID = line.AccountID
		net.Debit += line.Debit
		net.Credit += line.Credit
		byAccount[line.AccountID] = net
	}
	snap := BalanceSnapshot{Cached: make(map[int64]int64, len(r.f.balances))}
	for _, net := range byAccount {
		snap.Nets = append(snap.Nets, net)
	}
	for id, balance := range r.f.balances {
		snap.Cached[id] = balance
	}
	return snap, nil
}

func (r cacheRepo) ResyncBalances(ctx context.Context, periodID int64, accountIDs []int64) error {
	for _, id := range accountIDs {
		var sum int64
		for _, line := range r.f.posted {
			if line.AccountID == id {
				sum += line.Debit - line.Credit
			}
		}
		r.f.balances[id] = sum
	}
	return nil
}

type ledgerRepo struct{ f *fixture }

func (r ledgerRepo) AccountActivity(ctx context.Context, periodID, accountID int64) ([]ledger.PostedLine, error) {
	var out []ledger.PostedLine
	for _, line := range r.f.posted {
		if line.AccountID == accountID {
			out = append(out, line)
		}
	}
	return out, nil
}

func (r ledgerRepo) AccountNet(ctx context.Context, periodID, accountID int64) (ledger.AccountNet, error) {
	net := ledger.AccountNet{AccountID: accountID}
	for _, line := range r.f.posted {
		if line.AccountID == accountID {
			net.Debit += line.Debit
			net.Credit += line.Credit
		}
	}
	return net, nil
}

func (r ledgerRepo) TrialBalance(ctx context.Context, periodID int64) ([]ledger.TrialBalanceRow, error) {
	return nil, nil
}

type accountRepo struct{ f *fixture }

func (r accountRepo) Insert(ctx context.Context, a accounts.Account) (accounts.Account, error) {
	return a, nil
}

func (r accountRepo) Update(ctx context.Context, a accounts.Account) (accounts.Account, error) {
	return a, nil
}

func (r accountRepo) UpdateStatus(ctx context.Context, id int64, status accounts.AccountStatus) error {
	return nil
}

func (r accountRepo) GetByID(ctx context.Context, id int64) (accounts.Account, error) {
	a, ok := r.f.accounts[id]
	if !ok {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return a, nil
}

func (r accountRepo) GetByCode(ctx context.Context, code string) (accounts.Account, error) {
	for _, a := range r.f.accounts {
		if a.Code == code {
			return a, nil
		}
	}
	return accounts.Account{}, accounts.ErrNotFound
}

func (r accountRepo) List(ctx context.Context, filter accounts.ListFilter) ([]accounts.Account, error) {
	return nil, nil
}

func (r accountRepo) ParentIndex(ctx context.Context) (map[int64]int64, error) {
	return nil, nil
}

func (r accountRepo) GetMany(ctx context.Context, ids []int64) (map[int64]accounts.Account, error) {
	out := make(map[int64]accounts.Account, len(ids))
	for _, id := range ids {
		if a, ok := r.f.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

type periodRepo struct{ f *fixture }

func (r periodRepo) Insert(ctx context.Context, p periods.Period) (periods.Period, error) {
	return p, nil
}

func (r periodRepo) GetByID(ctx context.Context, id int64) (periods.Period, error) {
	if id != r.f.period.ID {
		return periods.Period{}, periods.ErrNotFound
	}
	return r.f.period, nil
}

func (r periodRepo) List(ctx context.Context, fiscalYear int, status periods.PeriodStatus) ([]periods.Period, error) {
	return nil, nil
}

func (r periodRepo) FindByDate(ctx context.Context, date time.Time) (periods.Period, error) {
	if r.f.period.Contains(date) {
		return r.f.period, nil
	}
	return periods.Period{}, periods.ErrNotFound
}

func (r periodRepo) NextAfter(ctx context.Context, endDate time.Time) (periods.Period, error) {
	return periods.Period{}, periods.ErrNotFound
}

func (r periodRepo) PreviousBefore(ctx context.Context, startDate time.Time) (periods.Period, error) {
	return periods.Period{}, periods.ErrNotFound
}

func (r periodRepo) RangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	return false, nil
}

func (r periodRepo) UpdateStatus(ctx context.Context, id int64, from, to periods.PeriodStatus, at time.Time) error {
	return nil
}

func (r periodRepo) CountBlockingEntries(ctx context.Context, periodID int64) (int, int, error) {
	return 0, 0, nil
}

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
	e := journals.JournalEntry{ID: t.f.nextEntry, PeriodID: in.PeriodID, EntryDate: in.EntryDate, TypeCode: in.TypeCode, Memo: in.Memo, Status: status}
	t.f.entries[e.ID] = e
	return e, nil
}

func (t journalStoreTx) InsertLines(ctx context.Context, entryID int64, lines []journals.LineInput) ([]journals.JournalLine, error) {
	var out []journals.JournalLine
	for idx, in := range lines {
		t.f.nextLine++
		line := journals.JournalLine{ID: t.f.nextLine, EntryID: entryID, LineNo: idx + 1, AccountID: in.AccountID, Description: in.Description, Debit: in.Debit, Credit: in.Credit}
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
	for _, line := range lines {
		t.f.post(line.AccountID, line.Debit, line.Credit)
	}
	return nil
}

func (t journalStoreTx) GetPeriodForUpdate(ctx context.Context, periodID int64) (periods.Period, error) {
	if periodID != t.f.period.ID {
		return periods.Period{}, periods.ErrNotFound
	}
	return t.f.period, nil
}

func (t journalStoreTx) EnsureAccountsPostable(ctx context.Context, ids []int64) error {
	return nil
}

func (t journalStoreTx) FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (journals.JournalEntry, bool, error) {
	return journals.JournalEntry{}, false, nil
}

func newTestEngine(f *fixture) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	journalSvc := journals.NewService(journalStore{f: f})
	svc := NewService(cacheRepo{f: f}, ledgerRepo{f: f}, accountRepo{f: f}, periodRepo{f: f}, journalSvc, "9999", logger)
	svc.WithNow(func() time.Time { return time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC) })
	return svc
}

func TestReconcileCleanPeriod(t *testing.T) {
	f := newFixture()
	f.post(10, 50000, 0)
	f.post(40, 0, 50000)
	svc := newTestEngine(f)

	diffs, err := svc.ReconcilePeriod(context.Background(), f.period.ID, false)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	for _, d := range diffs {
		require.True(t, d.IsMatch)
		require.Zero(t, d.Difference)
	}

	mismatchesOnly, err := svc.ReconcilePeriod(context.Background(), f.period.ID, true)
	require.NoError(t, err)
	require.Empty(t, mismatchesOnly)
}

func TestReconcileAppliesNormalSideConvention(t *testing.T) {
	f := newFixture()
	f.post(10, 50000, 0)
	f.post(40, 0, 50000)
	// Drift the cache: cash over by 70, revenue under by 30 in raw terms.
	f.balances[10] += 70
	f.balances[40] += 30
	svc := newTestEngine(f)

	diffs, err := svc.ReconcilePeriod(context.Background(), f.period.ID, true)
	require.NoError(t, err)
	require.Len(t, diffs, 2)

	// Sorted by account code: 1000 then 4000.
	cash := diffs[0]
	require.Equal(t, int64(10), cash.AccountID)
	require.Equal(t, int64(50070), cash.GLBalance)
	require.Equal(t, int64(50000), cash.Recomputed)
	require.Equal(t, int64(70), cash.Difference)

	// Revenue is credit-normal, so a +30 raw drift shows as -30.
	revenue := diffs[1]
	require.Equal(t, int64(40), revenue.AccountID)
	require.Equal(t, int64(50000), revenue.Recomputed)
	require.Equal(t, int64(-30), revenue.Difference)

	count, err := svc.MismatchCount(context.Background(), f.period.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestReconcileUnaffectedByConcurrentPost(t *testing.T) {
	f := newFixture()
	f.post(10, 50000, 0)
	f.post(40, 0, 50000)
	svc := newTestEngine(f)

	// An entry posting while the snapshot is taken must show up on both
	// sides of the diff or neither, never as a phantom mismatch.
	f.beforeSnapshot = func() {
		f.post(10, 7000, 0)
		f.post(40, 0, 7000)
	}

	diffs, err := svc.ReconcilePeriod(context.Background(), f.period.ID, false)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	for _, d := range diffs {
		require.True(t, d.IsMatch, "account %d", d.AccountID)
		require.Zero(t, d.Difference)
	}
	require.Equal(t, int64(57000), diffs[0].GLBalance)
	require.Equal(t, int64(57000), diffs[0].Recomputed)

	count, err := svc.MismatchCount(context.Background(), f.period.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReconcileSeesCacheOnlyAccounts(t *testing.T) {
	f := newFixture()
	// A cached row with no posted lines behind it at all.
	f.balances[10] = 1200
	svc := newTestEngine(f)

	diffs, err := svc.ReconcilePeriod(context.Background(), f.period.ID, true)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, int64(10), diffs[0].AccountID)
	require.Equal(t, int64(1200), diffs[0].Difference)
}

func TestAutoCorrectDryRunWritesNothing(t *testing.T) {
	f := newFixture()
	f.post(10, 50000, 0)
	f.post(40, 0, 50000)
	f.balances[10] += 70
	svc := newTestEngine(f)

	result, err := svc.AutoCorrect(context.Background(), f.period.ID, 100, true)
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.Len(t, result.Corrections, 1)
	require.False(t, result.Corrections[0].Applied)
	require.Zero(t, result.Corrections[0].EntryID)
	require.Empty(t, f.entries)
	require.Equal(t, int64(50070), f.balances[10])
}

func TestAutoCorrectRepairsWithinThreshold(t *testing.T) {
	f := newFixture()
	f.post(10, 50000, 0)
	f.post(40, 0, 50000)
	f.balances[10] += 70
	svc := newTestEngine(f)

	result, err := svc.AutoCorrect(context.Background(), f.period.ID, 100, false)
	require.NoError(t, err)
	require.Len(t, result.Corrections, 1)
	require.True(t, result.Corrections[0].Applied)
	require.NotZero(t, result.Corrections[0].EntryID)
	require.Empty(t, result.Skipped)

	entry := f.entries[result.Corrections[0].EntryID]
	require.Equal(t, journals.EntryStatusPosted, entry.Status)
	require.Equal(t, journals.EntryTypeAdjustment, entry.TypeCode)
	// The fixed clock sits outside the period, so the entry lands on the
	// period end date.
	require.Equal(t, f.period.EndDate, entry.EntryDate)

	// The cache and the recomputation agree again, suspense included.
	count, err := svc.MismatchCount(context.Background(), f.period.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAutoCorrectMemoNamesAccountAndAmount(t *testing.T) {
	f := newFixture()
	f.post(10, 500000, 0)
	f.post(40, 0, 500000)
	f.balances[10] += 123456
	svc := newTestEngine(f)

	result, err := svc.AutoCorrect(context.Background(), f.period.ID, 200000, false)
	require.NoError(t, err)
	require.Len(t, result.Corrections, 1)

	entry := f.entries[result.Corrections[0].EntryID]
	require.Contains(t, entry.Memo, "Cash")
	require.Contains(t, entry.Memo, "1,234.56")
}

func TestAutoCorrectSkipsAboveThreshold(t *testing.T) {
	f := newFixture()
	f.post(10, 50000, 0)
	f.post(40, 0, 50000)
	f.balances[10] += 5000
	svc := newTestEngine(f)

	result, err := svc.AutoCorrect(context.Background(), f.period.ID, 100, false)
	require.NoError(t, err)
	require.Empty(t, result.Corrections)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, int64(10), result.Skipped[0].AccountID)
	require.Empty(t, f.entries)
}
