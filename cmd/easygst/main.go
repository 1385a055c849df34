package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/easygst/easygst/internal/app"
	"github.com/easygst/easygst/internal/gst"
	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/observability"
	"github.com/easygst/easygst/internal/payments"
	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/platform/cache"
	"github.com/easygst/easygst/internal/platform/db"
	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
	"github.com/easygst/easygst/jobs"
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

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, summaries served uncached", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	validate := validator.New()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	sequenceRepo := sequence.NewRepository(dbpool)
	sequenceService := sequence.NewService(sequenceRepo, auditLogger)
	sequenceHandler := sequence.NewHandler(logger, sequenceService, validate)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, validate)

	paymentsRepo := payments.NewRepository(dbpool)
	paymentsService := payments.NewService(paymentsRepo, auditLogger, idempotencyStore)
	paymentsHandler := payments.NewHandler(logger, paymentsService, validate)

	periodsRepo := periods.NewRepository(dbpool)
	periodsService := periods.NewService(periodsRepo, auditLogger)
	periodsHandler := periods.NewHandler(logger, periodsService, validate)

	gstRepo := gst.NewRepository(dbpool)
	gstCache := gst.NewCache(redisClient, cfg.SummaryCacheTTL)
	gstService := gst.NewService(gstRepo, gstCache, auditLogger)
	gstHandler := gst.NewHandler(logger, gstService, validate)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            dbpool,
		LedgerHandler:   ledgerHandler,
		PaymentsHandler: paymentsHandler,
		PeriodsHandler:  periodsHandler,
		GstHandler:      gstHandler,
		SequenceHandler: sequenceHandler,
		JobsHandler:     jobsHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}
