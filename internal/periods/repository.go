package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository encapsulates DB operations for fiscal periods.
type Repository interface {
	Insert(ctx context.Context, p Period) (Period, error)
	GetByID(ctx context.Context, id int64) (Period, error)
	List(ctx context.Context, fiscalYear int, status PeriodStatus) ([]Period, error)
	FindByDate(ctx context.Context, date time.Time) (Period, error)
	NextAfter(ctx context.Context, endDate time.Time) (Period, error)
	PreviousBefore(ctx context.Context, startDate time.Time) (Period, error)
	RangeConflict(ctx context.Context, start, end time.Time) (bool, error)
	// UpdateStatus performs an optimistic transition; zero rows affected
	// means the status moved under the caller.
	UpdateStatus(ctx context.Context, id int64, from, to PeriodStatus, at time.Time) error
	// CountBlockingEntries reports draft and submitted journal entries in the period.
	CountBlockingEntries(ctx context.Context, periodID int64) (drafts, submitted int, err error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const periodColumns = `id, code, fiscal_year, start_date, end_date, status, closed_at, locked_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.Code, &p.FiscalYear, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *repository) Insert(ctx context.Context, p Period) (Period, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO periods (code, fiscal_year, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5) RETURNING `+periodColumns, p.Code, p.FiscalYear, p.StartDate, p.EndDate, p.Status)
	return scanPeriod(row)
}

func (r *repository) GetByID(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id=$1`, id))
}

func (r *repository) List(ctx context.Context, fiscalYear int, status PeriodStatus) ([]Period, error) {
	query := `SELECT ` + periodColumns + ` FROM periods WHERE 1=1`
	args := []any{}
	if fiscalYear != 0 {
		args = append(args, fiscalYear)
		query += ` AND fiscal_year=$1`
	}
	if status != "" {
		args = append(args, status)
		if len(args) == 1 {
			query += ` AND status=$1`
		} else {
			query += ` AND status=$2`
		}
	}
	query += ` ORDER BY start_date ASC`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) FindByDate(ctx context.Context, date time.Time) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE $1 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, date))
}

func (r *repository) NextAfter(ctx context.Context, endDate time.Time) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE start_date > $1 ORDER BY start_date ASC LIMIT 1`, endDate))
}

func (r *repository) PreviousBefore(ctx context.Context, startDate time.Time) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE end_date < $1 ORDER BY end_date DESC LIMIT 1`, startDate))
}

func (r *repository) RangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM periods WHERE start_date <= $2 AND end_date >= $1)`, start, end).Scan(&exists)
	return exists, err
}

func (r *repository) UpdateStatus(ctx context.Context, id int64, from, to PeriodStatus, at time.Time) error {
	query := `UPDATE periods SET status=$3, updated_at=NOW()`
	switch to {
	case PeriodStatusClosed:
		if from == PeriodStatusOpen {
			query += `, closed_at=$4`
		} else {
			// unlock keeps closed_at, clears the lock timestamp
			query += `, locked_at=NULL`
		}
	case PeriodStatusLocked:
		query += `, locked_at=$4`
	case PeriodStatusOpen:
		query += `, closed_at=NULL`
	}
	query += ` WHERE id=$1 AND status=$2`
	args := []any{id, from, to}
	if (to == PeriodStatusClosed && from == PeriodStatusOpen) || to == PeriodStatusLocked {
		args = append(args, at)
	}
	cmd, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *repository) CountBlockingEntries(ctx context.Context, periodID int64) (int, int, error) {
	var drafts, submitted int
	err := r.db.QueryRow(ctx, `SELECT
COUNT(*) FILTER (WHERE status='DRAFT'),
COUNT(*) FILTER (WHERE status='SUBMITTED')
FROM journal_entries WHERE period_id=$1`, periodID).Scan(&drafts, &submitted)
	if err != nil {
		return 0, 0, err
	}
	return drafts, submitted, nil
}
