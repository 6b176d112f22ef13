package ledger

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads posted lines and aggregates. All queries run single-shot
// on the RepeatableRead pool so each result is a consistent snapshot.
type Repository interface {
	AccountActivity(ctx context.Context, periodID, accountID int64) ([]PostedLine, error)
	AccountNet(ctx context.Context, periodID, accountID int64) (AccountNet, error)
	TrialBalance(ctx context.Context, periodID int64) ([]TrialBalanceRow, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) AccountActivity(ctx context.Context, periodID, accountID int64) ([]PostedLine, error) {
	rows, err := r.db.Query(ctx, `SELECT id, entry_id, period_id, account_id, entry_date, description, debit, credit, posted_at
FROM posted_lines WHERE period_id=$1 AND account_id=$2 ORDER BY posted_at, id`, periodID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []PostedLine
	for rows.Next() {
		var l PostedLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.PeriodID, &l.AccountID, &l.EntryDate, &l.Desc, &l.Debit, &l.Credit, &l.PostedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repository) AccountNet(ctx context.Context, periodID, accountID int64) (AccountNet, error) {
	n := AccountNet{AccountID: accountID}
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(debit),0), COALESCE(SUM(credit),0)
FROM posted_lines WHERE period_id=$1 AND account_id=$2`, periodID, accountID).Scan(&n.Debit, &n.Credit)
	if err != nil {
		return AccountNet{}, err
	}
	return n, nil
}

func (r *repository) TrialBalance(ctx context.Context, periodID int64) ([]TrialBalanceRow, error) {
	rows, err := r.db.Query(ctx, `SELECT l.account_id, a.code, a.name, a.type, COALESCE(SUM(l.debit),0), COALESCE(SUM(l.credit),0)
FROM posted_lines l JOIN accounts a ON a.id = l.account_id
WHERE l.period_id=$1 GROUP BY l.account_id, a.code, a.name, a.type ORDER BY a.code`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrialBalanceRow
	for rows.Next() {
		var row TrialBalanceRow
		if err := rows.Scan(&row.AccountID, &row.AccountCode, &row.AccountName, &row.AccountType, &row.Debit, &row.Credit); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
