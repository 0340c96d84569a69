package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/subcommands"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cardledger/cardledger/internal/acquisition"
	"github.com/cardledger/cardledger/internal/audit"
	"github.com/cardledger/cardledger/internal/app"
	"github.com/cardledger/cardledger/internal/consignment"
	"github.com/cardledger/cardledger/internal/grading"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/observability"
	"github.com/cardledger/cardledger/internal/platform/cache"
	"github.com/cardledger/cardledger/internal/platform/db"
	"github.com/cardledger/cardledger/internal/sales"
	"github.com/cardledger/cardledger/internal/shared"
	"github.com/cardledger/cardledger/jobs"
)

type serveCmd struct{}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the HTTP API (default)" }
func (*serveCmd) Usage() string {
	return `cardledger serve

  Starts the JSON API. Configuration is read from the environment.
`
}
func (*serveCmd) SetFlags(*flag.FlagSet) {}

func (*serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	defer pool.Close()

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	runner := db.NewTxRunner(pool, cfg.LedgerTxRetries)
	runner.OnRetry = metrics.ObserveRetry

	auditLogger := shared.NewAuditLogger(pool)
	keys := shared.NewIdempotencyStore(pool)
	guard := shared.NewBatchGuard(cache.NewLocker(redisClient), keys, cfg.BatchLockTTL, logger)
	summaryCache := inventory.NewSummaryCache(redisClient, cfg.SummaryCacheTTL, logger)
	notifier := inventory.Notifiers{summaryCache, metrics}

	inventoryService := inventory.NewService(inventory.NewRepository(pool, runner), auditLogger, notifier, summaryCache, logger)
	acquisitionService := acquisition.NewService(acquisition.NewRepository(pool, runner), auditLogger, notifier, guard, logger)
	salesService := sales.NewService(sales.NewRepository(pool, runner), auditLogger, notifier, guard, logger)
	consignmentService := consignment.NewService(consignment.NewRepository(pool, runner), auditLogger, notifier, cfg.FeePolicy(), logger)
	gradingService := grading.NewService(grading.NewRepository(pool, runner), auditLogger, notifier, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Keys:               keys,
		InventoryHandler:   inventory.NewHandler(logger, inventoryService),
		AcquisitionHandler: acquisition.NewHandler(logger, acquisitionService),
		SalesHandler:       sales.NewHandler(logger, salesService),
		ConsignmentHandler: consignment.NewHandler(logger, consignmentService),
		GradingHandler:     grading.NewHandler(logger, gradingService),
		AuditHandler:       audit.NewHandler(logger, audit.NewService(audit.NewRepository(pool))),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Ping:               pool.Ping,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("fee_policy", string(cfg.FeePolicy())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			logger.Error("http server", slog.Any("error", err))
			return subcommands.ExitFailure
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// connectRedis returns nil when Redis is unreachable; the summary cache then
// reads through and batches are serialised by the key store alone.
func connectRedis(ctx context.Context, cfg *app.Config, logger *slog.Logger) *redis.Client {
	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
		return nil
	}
	return client
}

func openInventory(ctx context.Context, cfg *app.Config) (*pgxpool.Pool, *inventory.Service, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, nil, err
	}
	runner := db.NewTxRunner(pool, cfg.LedgerTxRetries)
	return pool, inventory.NewService(inventory.NewRepository(pool, runner), nil, nil, nil, nil), nil
}
