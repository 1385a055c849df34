package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/easygst/easygst/internal/jobs"
	"github.com/easygst/easygst/internal/shared"
)

// idempotencyRetention is how long processed keys stay before pruning.
// Long enough that any realistic client retry still hits the guard.
const idempotencyRetention = 30 * 24 * time.Hour

// MaintenanceJob prunes expired idempotency keys.
type MaintenanceJob struct {
	Store   *shared.IdempotencyStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMaintenanceJob initialises the maintenance handler.
func NewMaintenanceJob(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *MaintenanceJob {
	return &MaintenanceJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle executes the prune.
func (j *MaintenanceJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("maintenance: store not configured")
	}
	tracker := j.metrics().Track(TaskMaintenance)
	err := j.Store.Cleanup(ctx, idempotencyRetention)
	if err = tracker.End(err); err != nil {
		j.logger().Error("idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger().Info("idempotency keys pruned", slog.Duration("retention", idempotencyRetention))
	return nil
}

func (j *MaintenanceJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMaintenance))
	}
	return slog.Default().With(slog.String("job", TaskMaintenance))
}

func (j *MaintenanceJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}
