package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-ledger/atlas-ledger/internal/accruals"
	jobmetrics "github.com/atlas-ledger/atlas-ledger/internal/jobs"
	"github.com/atlas-ledger/atlas-ledger/internal/recon"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccrualRunDue synthesizes drafts for all date-frequency rules due today.
	TaskAccrualRunDue = "accrual:run_due"
	// TaskReconScan reconciles a period and reports mismatch counts.
	TaskReconScan = "recon:scan"
	// TaskIdempotencyCleanup evicts idempotency keys past their retention window.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AccrualRunDuePayload parameterizes a scheduled due-run. An empty AsOfDate
// means "today".
type AccrualRunDuePayload struct {
	AsOfDate string `json:"asOfDate,omitempty"`
}

// NewAccrualRunDueTask constructs the task.
func NewAccrualRunDueTask(payload AccrualRunDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccrualRunDue, data), nil
}

// NewAccrualRunDueHandler processes TaskAccrualRunDue tasks.
func NewAccrualRunDueHandler(svc *accruals.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("accrual_run_due")
		var payload AccrualRunDuePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		asOf := time.Now().UTC()
		if payload.AsOfDate != "" {
			parsed, err := time.Parse("2006-01-02", payload.AsOfDate)
			if err != nil {
				return tracker.End(asynq.SkipRetry)
			}
			asOf = parsed
		}
		run, err := svc.RunDue(ctx, asOf)
		if err != nil {
			logger.Error("accrual run due", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("accrual run due",
			slog.Int64("run", run.ID),
			slog.Int("processed", run.Processed),
			slog.Int("reused", run.Reused),
			slog.Int("failed", run.Failed))
		return tracker.End(nil)
	}
}

// ReconScanPayload parameterizes a reconciliation sweep.
type ReconScanPayload struct {
	PeriodID int64 `json:"periodId"`
}

// NewReconScanTask constructs the task.
func NewReconScanTask(payload ReconScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconScan, data), nil
}

// NewReconScanHandler processes TaskReconScan tasks. With a zero PeriodID the
// scan targets the period containing today.
func NewReconScanHandler(svc *recon.Service, resolve PeriodResolver, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("recon_scan")
		var payload ReconScanPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		periodID := payload.PeriodID
		if periodID == 0 {
			id, err := resolve(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("recon scan: no current period", slog.Any("error", err))
				return tracker.End(nil)
			}
			periodID = id
		}
		diffs, err := svc.ReconcilePeriod(ctx, periodID, true)
		if err != nil {
			logger.Error("recon scan", slog.Int64("period", periodID), slog.Any("error", err))
			return tracker.End(err)
		}
		metrics.AddMismatches(periodID, len(diffs))
		if len(diffs) > 0 {
			logger.Warn("recon scan found mismatches", slog.Int64("period", periodID), slog.Int("count", len(diffs)))
		}
		return tracker.End(nil)
	}
}

// PeriodResolver maps a date to the covering period id.
type PeriodResolver func(ctx context.Context, date time.Time) (int64, error)

// IdempotencyCleanupPayload parameterizes key eviction.
type IdempotencyCleanupPayload struct {
	OlderThanHours int `json:"olderThanHours"`
}

// NewIdempotencyCleanupTask constructs the task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// NewIdempotencyCleanupHandler processes TaskIdempotencyCleanup tasks.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("idempotency_cleanup")
		var payload IdempotencyCleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		window := retention
		if payload.OlderThanHours > 0 {
			window = time.Duration(payload.OlderThanHours) * time.Hour
		}
		removed, err := store.Cleanup(ctx, window)
		if err != nil {
			logger.Error("idempotency cleanup", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("idempotency cleanup", slog.Int64("removed", removed))
		return tracker.End(nil)
	}
}
