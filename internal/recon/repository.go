package recon

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/db"
)

// Repository reads and repairs the cached GL balances.
type Repository interface {
	// Snapshot reads the recomputed nets and the cached balances inside one
	// RepeatableRead transaction. A posting that commits mid-read would
	// otherwise land in one side but not the other and surface accounts
	// that were consistent at every instant.
	Snapshot(ctx context.Context, periodID int64) (BalanceSnapshot, error)
	// ResyncBalances recomputes the cached balance for the given accounts
	// straight from posted lines.
	ResyncBalances(ctx context.Context, periodID int64, accountIDs []int64) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Snapshot(ctx context.Context, periodID int64) (BalanceSnapshot, error) {
	snap := BalanceSnapshot{Cached: make(map[int64]int64)}
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT account_id, COALESCE(SUM(debit),0), COALESCE(SUM(credit),0)
FROM posted_lines WHERE period_id=$1 GROUP BY account_id ORDER BY account_id`, periodID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n ledger.AccountNet
			if err := rows.Scan(&n.AccountID, &n.Debit, &n.Credit); err != nil {
				return err
			}
			snap.Nets = append(snap.Nets, n)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		cached, err := tx.Query(ctx, `SELECT account_id, balance FROM gl_balances WHERE period_id=$1`, periodID)
		if err != nil {
			return err
		}
		defer cached.Close()
		for cached.Next() {
			var accountID, balance int64
			if err := cached.Scan(&accountID, &balance); err != nil {
				return err
			}
			snap.Cached[accountID] = balance
		}
		return cached.Err()
	})
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return snap, nil
}

func (r *repository) ResyncBalances(ctx context.Context, periodID int64, accountIDs []int64) error {
	_, err := r.db.Exec(ctx, `INSERT INTO gl_balances (period_id, account_id, balance, updated_at)
SELECT $1, account_id, COALESCE(SUM(debit - credit), 0), NOW()
FROM posted_lines
WHERE period_id=$1 AND account_id = ANY($2)
GROUP BY account_id
ON CONFLICT (period_id, account_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		periodID, accountIDs)
	return err
}
