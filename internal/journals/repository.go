package journals

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ledger/atlas-ledger/internal/periods"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/db"
)

// Repository encapsulates DB operations for journals.
type Repository interface {
	List(ctx context.Context, filter ListFilter) ([]JournalEntry, error)
	GetWithLines(ctx context.Context, id int64) (JournalEntry, error)
	FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (JournalEntry, bool, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a posting transaction.
// Period reads and ledger appends live here so the open-check, line insert
// and balance update commit as one unit of work.
type TxRepository interface {
	InsertEntry(ctx context.Context, in CreateInput, status EntryStatus) (JournalEntry, error)
	InsertLines(ctx context.Context, entryID int64, lines []LineInput) ([]JournalLine, error)
	ReplaceLines(ctx context.Context, entryID int64, lines []LineInput) ([]JournalLine, error)
	AddLine(ctx context.Context, entryID int64, line LineInput) (JournalLine, error)
	UpdateLine(ctx context.Context, entryID, lineID int64, line LineInput) error
	DeleteLine(ctx context.Context, entryID, lineID int64) error
	GetEntryForUpdate(ctx context.Context, id int64) (JournalEntry, error)
	GetLines(ctx context.Context, entryID int64) ([]JournalLine, error)
	// UpdateStatus is optimistic: zero rows affected means the status moved
	// under the caller and the transition fails with ErrStatusConflict.
	UpdateStatus(ctx context.Context, id int64, from, to EntryStatus, reason string, at time.Time) error
	AppendPostedLines(ctx context.Context, entry JournalEntry, lines []JournalLine, at time.Time) error
	GetPeriodForUpdate(ctx context.Context, periodID int64) (periods.Period, error)
	EnsureAccountsPostable(ctx context.Context, ids []int64) error
	FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (JournalEntry, bool, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const entryColumns = `id, period_id, entry_date, type_code, memo, status, reason, source_entry_id, idempotency_key, submitted_at, approved_at, posted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.PeriodID, &e.EntryDate, &e.TypeCode, &e.Memo, &e.Status, &e.Reason,
		&e.SourceEntryID, &e.IdempotencyKey, &e.SubmittedAt, &e.ApprovedAt, &e.PostedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrNotFound
		}
		return JournalEntry{}, err
	}
	return e, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, entry_id, line_no, account_id, description, debit, credit
FROM journal_lines WHERE entry_id=$1 ORDER BY line_no ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var l JournalLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.LineNo, &l.AccountID, &l.Description, &l.Debit, &l.Credit); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func findByKey(ctx context.Context, q querier, key uuid.UUID) (JournalEntry, bool, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE idempotency_key=$1`, key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return JournalEntry{}, false, nil
		}
		return JournalEntry{}, false, err
	}
	lines, err := queryLines(ctx, q, entry.ID)
	if err != nil {
		return JournalEntry{}, false, err
	}
	entry.Lines = lines
	return entry, true, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE 1=1`
	args := []any{}
	if filter.PeriodID != 0 {
		args = append(args, filter.PeriodID)
		query += ` AND period_id=$1`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		if len(args) == 1 {
			query += ` AND status=$1`
		} else {
			query += ` AND status=$2`
		}
	}
	query += ` ORDER BY id DESC`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repository) GetWithLines(ctx context.Context, id int64) (JournalEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, id))
	if err != nil {
		return JournalEntry{}, err
	}
	lines, err := queryLines(ctx, r.db, entry.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines = lines
	return entry, nil
}

func (r *repository) FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (JournalEntry, bool, error) {
	return findByKey(ctx, r.db, key)
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) InsertEntry(ctx context.Context, in CreateInput, status EntryStatus) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (period_id, entry_date, type_code, memo, status, source_entry_id, idempotency_key)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+entryColumns,
		in.PeriodID, in.EntryDate, in.TypeCode, in.Memo, status, in.SourceEntryID, in.IdempotencyKey)
	return scanEntry(row)
}

func (r *txRepository) InsertLines(ctx context.Context, entryID int64, lines []LineInput) ([]JournalLine, error) {
	out := make([]JournalLine, 0, len(lines))
	for idx, line := range lines {
		var l JournalLine
		err := r.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, line_no, account_id, description, debit, credit)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, entry_id, line_no, account_id, description, debit, credit`,
			entryID, idx+1, line.AccountID, line.Description, line.Debit, line.Credit).
			Scan(&l.ID, &l.EntryID, &l.LineNo, &l.AccountID, &l.Description, &l.Debit, &l.Credit)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *txRepository) ReplaceLines(ctx context.Context, entryID int64, lines []LineInput) ([]JournalLine, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM journal_lines WHERE entry_id=$1`, entryID); err != nil {
		return nil, err
	}
	return r.InsertLines(ctx, entryID, lines)
}

func (r *txRepository) AddLine(ctx context.Context, entryID int64, line LineInput) (JournalLine, error) {
	var l JournalLine
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, line_no, account_id, description, debit, credit)
VALUES ($1, (SELECT COALESCE(MAX(line_no),0)+1 FROM journal_lines WHERE entry_id=$1), $2, $3, $4, $5)
RETURNING id, entry_id, line_no, account_id, description, debit, credit`,
		entryID, line.AccountID, line.Description, line.Debit, line.Credit).
		Scan(&l.ID, &l.EntryID, &l.LineNo, &l.AccountID, &l.Description, &l.Debit, &l.Credit)
	if err != nil {
		return JournalLine{}, err
	}
	return l, nil
}

func (r *txRepository) UpdateLine(ctx context.Context, entryID, lineID int64, line LineInput) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_lines SET account_id=$3, description=$4, debit=$5, credit=$6
WHERE id=$2 AND entry_id=$1`, entryID, lineID, line.AccountID, line.Description, line.Debit, line.Credit)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (r *txRepository) DeleteLine(ctx context.Context, entryID, lineID int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM journal_lines WHERE id=$2 AND entry_id=$1`, entryID, lineID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, id int64) (JournalEntry, error) {
	return scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) GetLines(ctx context.Context, entryID int64) ([]JournalLine, error) {
	return queryLines(ctx, r.tx, entryID)
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, from, to EntryStatus, reason string, at time.Time) error {
	var query string
	args := []any{id, from, to, at}
	switch to {
	case EntryStatusSubmitted:
		query = `UPDATE journal_entries SET status=$3, submitted_at=$4, updated_at=NOW() WHERE id=$1 AND status=$2`
	case EntryStatusApproved:
		query = `UPDATE journal_entries SET status=$3, approved_at=$4, updated_at=NOW() WHERE id=$1 AND status=$2`
	case EntryStatusPosted:
		query = `UPDATE journal_entries SET status=$3, posted_at=$4, updated_at=NOW() WHERE id=$1 AND status=$2`
	case EntryStatusRejected, EntryStatusVoided:
		query = `UPDATE journal_entries SET status=$3, reason=$4, updated_at=NOW() WHERE id=$1 AND status=$2`
		args = []any{id, from, to, reason}
	default:
		query = `UPDATE journal_entries SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`
		args = []any{id, from, to}
	}
	cmd, err := r.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// AppendPostedLines writes the immutable ledger copy of the entry's lines and
// folds each line into the cached GL balance for its (period, account).
func (r *txRepository) AppendPostedLines(ctx context.Context, entry JournalEntry, lines []JournalLine, at time.Time) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO posted_lines (entry_id, period_id, account_id, entry_date, description, debit, credit, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			entry.ID, entry.PeriodID, line.AccountID, entry.EntryDate, line.Description, line.Debit, line.Credit, at); err != nil {
			return err
		}
		if _, err := r.tx.Exec(ctx, `INSERT INTO gl_balances (period_id, account_id, balance, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (period_id, account_id) DO UPDATE SET balance = gl_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
			entry.PeriodID, line.AccountID, line.Debit-line.Credit, at); err != nil {
			return err
		}
	}
	return nil
}

// GetPeriodForUpdate locks the period row for the duration of the posting
// transaction so the open-check and the append commit together.
func (r *txRepository) GetPeriodForUpdate(ctx context.Context, periodID int64) (periods.Period, error) {
	var p periods.Period
	err := r.tx.QueryRow(ctx, `SELECT id, code, fiscal_year, start_date, end_date, status, closed_at, locked_at, created_at, updated_at
FROM periods WHERE id=$1 FOR UPDATE`, periodID).
		Scan(&p.ID, &p.Code, &p.FiscalYear, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return periods.Period{}, periods.ErrNotFound
		}
		return periods.Period{}, err
	}
	return p, nil
}

func (r *txRepository) EnsureAccountsPostable(ctx context.Context, ids []int64) error {
	rows, err := r.tx.Query(ctx, `SELECT id, is_postable, status FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		var postable bool
		var status string
		if err := rows.Scan(&id, &postable, &status); err != nil {
			return err
		}
		if status == "ARCHIVED" {
			return ErrAccountArchived(id)
		}
		if !postable || status != "ACTIVE" {
			return ErrAccountNotPostable(id)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return ErrAccountUnknown(id)
		}
	}
	return nil
}

func (r *txRepository) FindByIdempotencyKey(ctx context.Context, key uuid.UUID) (JournalEntry, bool, error) {
	return findByKey(ctx, r.tx, key)
}
