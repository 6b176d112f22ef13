package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/accruals"
	"github.com/atlas-ledger/atlas-ledger/internal/app"
	jobmetrics "github.com/atlas-ledger/atlas-ledger/internal/jobs"
	"github.com/atlas-ledger/atlas-ledger/internal/journals"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/cache"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/db"
	"github.com/atlas-ledger/atlas-ledger/internal/recon"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
	"github.com/atlas-ledger/atlas-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	idempotencyStore := shared.NewIdempotencyStore(pool)
	periodLocker := shared.NewPeriodLocker(redisClient, 30*time.Second)

	accountRepo := accounts.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	periodRepo := periods.NewRepository(pool)

	journalRepo := journals.NewRepository(pool)
	journalService := journals.NewService(journalRepo)

	accrualRepo := accruals.NewRepository(pool)
	accrualService := accruals.NewService(accrualRepo, journalService, periodRepo, ledgerRepo, logger, cfg.AccrualWorkers)
	accrualService.WithLocker(periodLocker)

	reconRepo := recon.NewRepository(pool)
	reconService := recon.NewService(reconRepo, ledgerRepo, accountRepo, periodRepo, journalService, cfg.SuspenseAccountCode, logger)

	metrics := jobmetrics.NewMetrics(nil)

	resolvePeriod := func(ctx context.Context, date time.Time) (int64, error) {
		period, err := periodRepo.FindByDate(ctx, date)
		if err != nil {
			return 0, err
		}
		return period.ID, nil
	}

	runDueTask, err := jobs.NewAccrualRunDueTask(jobs.AccrualRunDuePayload{})
	if err != nil {
		logger.Error("build run-due task", slog.Any("error", err))
		os.Exit(1)
	}
	reconScanTask, err := jobs.NewReconScanTask(jobs.ReconScanPayload{})
	if err != nil {
		logger.Error("build recon-scan task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(jobs.IdempotencyCleanupPayload{})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.AccrualWorkers,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAccrualRunDue, Handler: jobs.NewAccrualRunDueHandler(accrualService, logger, metrics)},
			{Type: jobs.TaskReconScan, Handler: jobs.NewReconScanHandler(reconService, resolvePeriod, logger, metrics)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotencyStore, cfg.IdempotencyRetention, logger, metrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: runDueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: reconScanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * 0", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
