package accruals

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RuleFilter narrows rule listings.
type RuleFilter struct {
	RuleType  RuleType
	Frequency Frequency
	Status    RuleStatus
}

// RunFilter narrows run listings.
type RunFilter struct {
	Kind     RunKind
	Status   RunStatus
	PeriodID int64
}

// Repository encapsulates DB operations for accrual rules and runs.
type Repository interface {
	InsertRule(ctx context.Context, rule AccrualRule) (AccrualRule, error)
	GetRule(ctx context.Context, id int64) (AccrualRule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]AccrualRule, error)
	TouchLastRun(ctx context.Context, ruleID int64, at time.Time) error

	CreateRun(ctx context.Context, kind RunKind, asOf *time.Time, periodID *int64, at time.Time) (AccrualRun, error)
	FinishRun(ctx context.Context, run AccrualRun, at time.Time) error
	AddFailure(ctx context.Context, runID, ruleID int64, reason string) error
	GetRun(ctx context.Context, id int64) (AccrualRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]AccrualRun, error)

	// ClaimRunEntry reserves the (rule, target period, kind) slot. The unique
	// key makes re-invocation return the existing claim instead of creating a
	// second one.
	ClaimRunEntry(ctx context.Context, runID, ruleID, targetPeriodID int64, kind RunKind) (RunEntry, bool, error)
	AttachEntry(ctx context.Context, claimID, entryID int64) error
	// FindOriginating returns the accrual entry a rule produced for a period,
	// for reversal generation.
	FindOriginating(ctx context.Context, ruleID, periodID int64) (RunEntry, bool, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const ruleColumns = `id, code, name, rule_type, frequency, status, memo, last_run_at, created_at, updated_at`

func scanRule(row pgx.Row) (AccrualRule, error) {
	var r AccrualRule
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.RuleType, &r.Frequency, &r.Status, &r.Memo,
		&r.LastRunAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccrualRule{}, ErrRuleNotFound
		}
		return AccrualRule{}, err
	}
	return r, nil
}

func (r *repository) InsertRule(ctx context.Context, rule AccrualRule) (AccrualRule, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return AccrualRule{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := scanRule(tx.QueryRow(ctx, `INSERT INTO accrual_rules (code, name, rule_type, frequency, status, memo)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+ruleColumns,
		rule.Code, rule.Name, rule.RuleType, rule.Frequency, rule.Status, rule.Memo))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return AccrualRule{}, ErrCodeTaken
		}
		return AccrualRule{}, err
	}
	for idx, line := range rule.Lines {
		var l RuleLine
		err := tx.QueryRow(ctx, `INSERT INTO accrual_rule_lines (rule_id, line_no, account_id, side, description, amount, basis_account_id, basis_rate_bps)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id, rule_id, line_no, account_id, side, description, amount, basis_account_id, basis_rate_bps`,
			inserted.ID, idx+1, line.AccountID, line.Side, line.Description, line.Amount, line.BasisAccountID, line.BasisRateBps).
			Scan(&l.ID, &l.RuleID, &l.LineNo, &l.AccountID, &l.Side, &l.Description, &l.Amount, &l.BasisAccountID, &l.BasisRateBps)
		if err != nil {
			return AccrualRule{}, err
		}
		inserted.Lines = append(inserted.Lines, l)
	}
	if rule.Deferral != nil {
		var d DeferralSchedule
		err := tx.QueryRow(ctx, `INSERT INTO deferral_schedules (rule_id, total_amount, period_count, start_period_id)
VALUES ($1,$2,$3,$4) RETURNING id, rule_id, total_amount, period_count, start_period_id`,
			inserted.ID, rule.Deferral.TotalAmount, rule.Deferral.PeriodCount, rule.Deferral.StartPeriodID).
			Scan(&d.ID, &d.RuleID, &d.TotalAmount, &d.PeriodCount, &d.StartPeriodID)
		if err != nil {
			return AccrualRule{}, err
		}
		inserted.Deferral = &d
	}
	if err := tx.Commit(ctx); err != nil {
		return AccrualRule{}, err
	}
	return inserted, nil
}

func (r *repository) GetRule(ctx context.Context, id int64) (AccrualRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM accrual_rules WHERE id=$1`, id))
	if err != nil {
		return AccrualRule{}, err
	}
	if err := r.loadRuleDetails(ctx, &rule); err != nil {
		return AccrualRule{}, err
	}
	return rule, nil
}

func (r *repository) loadRuleDetails(ctx context.Context, rule *AccrualRule) error {
	rows, err := r.db.Query(ctx, `SELECT id, rule_id, line_no, account_id, side, description, amount, basis_account_id, basis_rate_bps
FROM accrual_rule_lines WHERE rule_id=$1 ORDER BY line_no ASC`, rule.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var l RuleLine
		if err := rows.Scan(&l.ID, &l.RuleID, &l.LineNo, &l.AccountID, &l.Side, &l.Description, &l.Amount, &l.BasisAccountID, &l.BasisRateBps); err != nil {
			return err
		}
		rule.Lines = append(rule.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	var d DeferralSchedule
	err = r.db.QueryRow(ctx, `SELECT id, rule_id, total_amount, period_count, start_period_id
FROM deferral_schedules WHERE rule_id=$1`, rule.ID).
		Scan(&d.ID, &d.RuleID, &d.TotalAmount, &d.PeriodCount, &d.StartPeriodID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	rule.Deferral = &d
	return nil
}

func (r *repository) ListRules(ctx context.Context, filter RuleFilter) ([]AccrualRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM accrual_rules WHERE 1=1`
	args := []any{}
	if filter.RuleType != "" {
		args = append(args, filter.RuleType)
		query += ` AND rule_type=$` + itoa(len(args))
	}
	if filter.Frequency != "" {
		args = append(args, filter.Frequency)
		query += ` AND frequency=$` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status=$` + itoa(len(args))
	}
	query += ` ORDER BY code ASC`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []AccrualRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range rules {
		if err := r.loadRuleDetails(ctx, &rules[i]); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (r *repository) TouchLastRun(ctx context.Context, ruleID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE accrual_rules SET last_run_at=$2, updated_at=NOW() WHERE id=$1`, ruleID, at)
	return err
}

const runColumns = `id, kind, as_of_date, period_id, status, processed, reused, failed, started_at, finished_at`

func scanRun(row pgx.Row) (AccrualRun, error) {
	var run AccrualRun
	err := row.Scan(&run.ID, &run.Kind, &run.AsOfDate, &run.PeriodID, &run.Status,
		&run.Processed, &run.Reused, &run.Failed, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccrualRun{}, ErrRunNotFound
		}
		return AccrualRun{}, err
	}
	return run, nil
}

func (r *repository) CreateRun(ctx context.Context, kind RunKind, asOf *time.Time, periodID *int64, at time.Time) (AccrualRun, error) {
	return scanRun(r.db.QueryRow(ctx, `INSERT INTO accrual_runs (kind, as_of_date, period_id, status, started_at)
VALUES ($1,$2,$3,$4,$5) RETURNING `+runColumns,
		kind, asOf, periodID, RunStatusRunning, at))
}

func (r *repository) FinishRun(ctx context.Context, run AccrualRun, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE accrual_runs SET status=$2, processed=$3, reused=$4, failed=$5, finished_at=$6 WHERE id=$1`,
		run.ID, run.Status, run.Processed, run.Reused, run.Failed, at)
	return err
}

func (r *repository) AddFailure(ctx context.Context, runID, ruleID int64, reason string) error {
	_, err := r.db.Exec(ctx, `INSERT INTO accrual_run_failures (run_id, rule_id, reason) VALUES ($1,$2,$3)`, runID, ruleID, reason)
	return err
}

func (r *repository) GetRun(ctx context.Context, id int64) (AccrualRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM accrual_runs WHERE id=$1`, id))
	if err != nil {
		return AccrualRun{}, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, run_id, rule_id, target_period_id, kind, COALESCE(entry_id, 0)
FROM accrual_run_entries WHERE run_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return AccrualRun{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var e RunEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.RuleID, &e.TargetPeriodID, &e.Kind, &e.EntryID); err != nil {
			return AccrualRun{}, err
		}
		run.Entries = append(run.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return AccrualRun{}, err
	}
	frows, err := r.db.Query(ctx, `SELECT rule_id, reason FROM accrual_run_failures WHERE run_id=$1 ORDER BY rule_id ASC`, id)
	if err != nil {
		return AccrualRun{}, err
	}
	defer frows.Close()
	for frows.Next() {
		var f RunFailure
		if err := frows.Scan(&f.RuleID, &f.Reason); err != nil {
			return AccrualRun{}, err
		}
		run.Failures = append(run.Failures, f)
	}
	return run, frows.Err()
}

func (r *repository) ListRuns(ctx context.Context, filter RunFilter) ([]AccrualRun, error) {
	query := `SELECT ` + runColumns + ` FROM accrual_runs WHERE 1=1`
	args := []any{}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += ` AND kind=$` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status=$` + itoa(len(args))
	}
	if filter.PeriodID != 0 {
		args = append(args, filter.PeriodID)
		query += ` AND period_id=$` + itoa(len(args))
	}
	query += ` ORDER BY id DESC`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []AccrualRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *repository) ClaimRunEntry(ctx context.Context, runID, ruleID, targetPeriodID int64, kind RunKind) (RunEntry, bool, error) {
	var claim RunEntry
	row := r.db.QueryRow(ctx, `INSERT INTO accrual_run_entries (run_id, rule_id, target_period_id, kind)
VALUES ($1,$2,$3,$4)
ON CONFLICT (rule_id, target_period_id, kind) DO NOTHING
RETURNING id, run_id, rule_id, target_period_id, kind, COALESCE(entry_id, 0)`,
		runID, ruleID, targetPeriodID, kind)
	scanErr := row.Scan(&claim.ID, &claim.RunID, &claim.RuleID, &claim.TargetPeriodID, &claim.Kind, &claim.EntryID)
	if scanErr == nil {
		return claim, true, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return RunEntry{}, false, scanErr
	}
	// Conflict: an earlier run already holds this slot.
	scanErr = r.db.QueryRow(ctx, `SELECT id, run_id, rule_id, target_period_id, kind, COALESCE(entry_id, 0)
FROM accrual_run_entries WHERE rule_id=$1 AND target_period_id=$2 AND kind=$3`,
		ruleID, targetPeriodID, kind).
		Scan(&claim.ID, &claim.RunID, &claim.RuleID, &claim.TargetPeriodID, &claim.Kind, &claim.EntryID)
	if scanErr != nil {
		return RunEntry{}, false, scanErr
	}
	claim.Reused = true
	return claim, false, nil
}

func (r *repository) FindOriginating(ctx context.Context, ruleID, periodID int64) (RunEntry, bool, error) {
	var e RunEntry
	err := r.db.QueryRow(ctx, `SELECT id, run_id, rule_id, target_period_id, kind, entry_id
FROM accrual_run_entries
WHERE rule_id=$1 AND target_period_id=$2 AND kind IN ('DUE','PERIOD_END') AND entry_id IS NOT NULL
ORDER BY id DESC LIMIT 1`, ruleID, periodID).
		Scan(&e.ID, &e.RunID, &e.RuleID, &e.TargetPeriodID, &e.Kind, &e.EntryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunEntry{}, false, nil
		}
		return RunEntry{}, false, err
	}
	return e, true, nil
}

func (r *repository) AttachEntry(ctx context.Context, claimID, entryID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE accrual_run_entries SET entry_id=$2 WHERE id=$1`, claimID, entryID)
	return err
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
