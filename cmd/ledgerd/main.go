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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/reports"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/balances"
	closepkg "github.com/odyssey-erp/odyssey-ledger/internal/close"
	closehttp "github.com/odyssey-erp/odyssey-ledger/internal/close/http"
	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/fx"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/workflow"
)

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

	logger := app.NewLogger(cfg, "ledgerd")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledgerd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	closePolicy, err := cfg.ClosePolicy()
	if err != nil {
		return err
	}
	fxPolicy, err := cfg.FXPolicy()
	if err != nil {
		return err
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("ledgerd"))
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := cfg.RedisOptions().Asynq()
	queueClient := asynq.NewClient(redisOpts)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	bus := events.NewBus(logger, events.NewRedisPublisher(redisClient, cfg.EventsChannel))
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	rates := fx.NewBook(fx.NewRepository(dbpool), fxPolicy)

	approvalService := workflow.NewService(workflow.NewRepository(dbpool), workflow.DefaultRegistry(), bus, logger)

	accountingService := accounting.NewService(accounting.NewRepository(dbpool), auditLogger, approvalService, bus)
	accountingService.WithPrecision(cfg.LedgerDecimalPlaces)
	accountingService.WithRates(rates)
	accountingService.WithLogger(logger)

	accountsRepo := accounts.NewRepository(dbpool)
	accountsService := accounts.NewService(accountsRepo, auditLogger)

	periodService := closepkg.NewService(closepkg.NewRepository(dbpool), auditLogger, closePolicy)
	periodService.WithClosingEntries(accountingService)
	orchestrator := closing.NewOrchestrator(periodService, approvalService, bus,
		closing.WithLocker(shared.NewRedisLocker(redisClient), cfg.PeriodLockTTL),
		closing.WithLogger(logger),
	)

	for _, name := range []events.Name{events.ApprovalRequestApproved, events.ApprovalRequestRejected} {
		bus.Subscribe(name, accountingService.HandleApprovalEvent)
		bus.Subscribe(name, orchestrator.HandleApprovalEvent)
	}

	balanceStore := balances.NewPGStore(dbpool)
	reconciler := balances.NewReconciler(balances.NewPGDriftFinder(dbpool), metrics.Jobs(), logger)
	relay := balances.NewRelay(
		balances.NewPGOutbox(dbpool),
		balances.NewTaskEnqueuer(queueClient, cfg.RetryPolicy()),
		cfg.RelayConfig(),
		logger,
	)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AccountingHandler: accounting.NewHandler(logger, accountingService, idempotencyStore),
		AccountsHandler:   accounts.NewHandler(logger, accountsService),
		CloseHandler:      closehttp.NewHandler(logger, periodService, orchestrator),
		ApprovalsHandler:  workflow.NewHandler(logger, approvalService),
		BalancesHandler: balances.NewHandler(logger, balanceStore,
			balances.NewReporter(balanceStore, rates, cfg.LedgerDecimalPlaces),
			balances.NewDeadLetters(inspector), reconciler),
		ReportsHandler: reports.NewHandler(logger, reports.NewService(accountsRepo, balanceStore)),
		Metrics:        metrics,
		Ready:          readiness(dbpool, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
			return err
		}
		logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}

func readiness(pool *pgxpool.Pool, client *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return client.Ping(ctx).Err()
	}
}
