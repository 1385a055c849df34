package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/easygst/easygst/internal/app"
	jobmetrics "github.com/easygst/easygst/internal/jobs"
	"github.com/easygst/easygst/internal/platform/db"
	"github.com/easygst/easygst/internal/shared"
	"github.com/easygst/easygst/jobs"
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

	metrics := jobmetrics.NewMetrics(nil)
	integrityJob := jobs.NewLedgerIntegrityJob(pool, logger, metrics)
	sequenceJob := jobs.NewSequenceAuditJob(pool, logger, metrics)
	maintenanceJob := jobs.NewMaintenanceJob(shared.NewIdempotencyStore(pool), logger, metrics)

	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	sequenceTask, err := jobs.NewSequenceAuditTask(jobs.SequenceAuditPayload{})
	if err != nil {
		logger.Error("build sequence task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskSequenceAudit, Handler: sequenceJob.Handle},
			{Type: jobs.TaskMaintenance, Handler: maintenanceJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 1 * * *", Task: sequenceTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * *", Task: jobs.NewMaintenanceTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
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
