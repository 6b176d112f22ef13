package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/accruals"
	"github.com/atlas-ledger/atlas-ledger/internal/app"
	"github.com/atlas-ledger/atlas-ledger/internal/journals"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
	"github.com/atlas-ledger/atlas-ledger/internal/observability"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/cache"
	"github.com/atlas-ledger/atlas-ledger/internal/platform/db"
	"github.com/atlas-ledger/atlas-ledger/internal/recon"
	"github.com/atlas-ledger/atlas-ledger/internal/shared"
	"github.com/atlas-ledger/atlas-ledger/jobs"
)

// carryForwardPoster adapts the journal engine's system posting path to the
// period controller's port.
type carryForwardPoster struct {
	journals *journals.Service
}

func (p carryForwardPoster) PostSystemEntry(ctx context.Context, periodID int64, entryDate time.Time, typeCode, memo string, lines []periods.CarryLine) (int64, error) {
	inputs := make([]journals.LineInput, 0, len(lines))
	for _, line := range lines {
		inputs = append(inputs, journals.LineInput{
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       line.Debit,
			Credit:      line.Credit,
		})
	}
	entry, err := p.journals.PostSystemEntry(ctx, periodID, entryDate, journals.EntryType(typeCode), memo, inputs, nil)
	if err != nil {
		return 0, err
	}
	return entry.ID, nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	periodLocker := shared.NewPeriodLocker(redisClient, 30*time.Second)

	accountRepo := accounts.NewRepository(dbpool)
	accountService := accounts.NewService(accountRepo)
	accountHandler := accounts.NewHandler(logger, accountService)

	ledgerRepo := ledger.NewRepository(dbpool)

	journalRepo := journals.NewRepository(dbpool)
	journalService := journals.NewService(journalRepo)
	journalService.WithMetrics(metrics)
	journalHandler := journals.NewHandler(logger, journalService)

	periodRepo := periods.NewRepository(dbpool)
	periodService := periods.NewService(periodRepo, ledgerRepo, accountRepo, cfg.RetainedEarningsCode)
	periodService.SetCarryForwardPoster(carryForwardPoster{journals: journalService})
	periodHandler := periods.NewHandler(logger, periodService, idempotencyStore)

	reconRepo := recon.NewRepository(dbpool)
	reconService := recon.NewService(reconRepo, ledgerRepo, accountRepo, periodRepo, journalService, cfg.SuspenseAccountCode, logger)
	reconService.WithMetrics(metrics)
	periodService.SetReconChecker(reconService)
	reconHandler := recon.NewHandler(logger, reconService, idempotencyStore)

	accrualRepo := accruals.NewRepository(dbpool)
	accrualService := accruals.NewService(accrualRepo, journalService, periodRepo, ledgerRepo, logger, cfg.AccrualWorkers)
	accrualService.WithMetrics(metrics)
	accrualService.WithLocker(periodLocker)
	accrualHandler := accruals.NewHandler(logger, accrualService, idempotencyStore)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AccountsHandler: accountHandler,
		PeriodsHandler:  periodHandler,
		JournalsHandler: journalHandler,
		AccrualsHandler: accrualHandler,
		ReconHandler:    reconHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
