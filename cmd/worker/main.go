package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
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

	logger := app.NewLogger(cfg, "worker")

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("worker"))
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := metrics.Jobs()
	publisher := events.NewRedisPublisher(redisClient, cfg.EventsChannel)

	applier := balances.NewApplier(balances.NewPGStore(pool),
		balances.WithLocalRetries(cfg.BalanceLocalRetries),
		balances.WithConflictObserver(func(error) { jobMetrics.AddConflict(balances.TaskApplyDelta) }),
		balances.WithApplierLogger(logger),
	)
	processor := balances.NewProcessor(applier, jobMetrics, logger)
	deadLetters := balances.NewDeadLetterReporter(publisher, jobMetrics, logger)

	reconciler := balances.NewReconciler(balances.NewPGDriftFinder(pool), jobMetrics, logger)
	reconcileJob := jobs.NewReconcileJob(reconciler, logger, jobMetrics)
	purgeJob := jobs.NewOutboxPurgeJob(balances.NewPGOutbox(pool), cfg.OutboxRetention, logger, jobMetrics)
	purgeJob.Keys = shared.NewIdempotencyStore(pool)

	reconcileTask, err := jobs.NewReconcileTask(nil)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:    cfg.RedisOptions().Asynq(),
		Logger:       logger,
		Concurrency:  cfg.BalanceWorkerConcurrency,
		RetryDelay:   cfg.RetryPolicy().RetryDelayFunc(),
		ErrorHandler: asynq.ErrorHandlerFunc(deadLetters.HandleError),
		Handlers: []jobs.TaskHandler{
			{Type: balances.TaskApplyDelta, Handler: processor.Handle},
			{Type: jobs.TaskReconcileBalances, Handler: reconcileJob.Handle},
			{Type: jobs.TaskPurgeOutbox, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask},
			{Spec: cfg.OutboxPurgeCron, Task: jobs.NewOutboxPurgeTask()},
		},
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("worker metrics listening", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
