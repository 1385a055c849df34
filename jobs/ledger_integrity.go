package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/easygst/easygst/internal/jobs"
)

// LedgerIntegrityJob verifies that persisted balances still reconcile:
// every document's amount_due equals total minus paid, amount_paid equals
// the sum of its allocation deltas, and every payment's allocated amount
// equals the sum of its allocations. Discrepancies are logged and counted;
// the job never mutates data.
type LedgerIntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type integrityCheck struct {
	name  string
	query string
}

// Each check returns (tenant_id, entity id, detail) rows for violations.
var integrityChecks = []integrityCheck{
	{
		name: "document_balance",
		query: `SELECT tenant_id, id, 'due=' || amount_due || ' expected=' || (total_amount - amount_paid)
FROM documents
WHERE ($1 = 0 OR tenant_id = $1)
  AND (amount_due <> total_amount - amount_paid OR amount_due < 0)`,
	},
	{
		name: "document_allocations",
		query: `SELECT d.tenant_id, d.id, 'paid=' || d.amount_paid || ' allocated=' || COALESCE(SUM(a.amount + a.adjustment), 0)
FROM documents d
LEFT JOIN allocations a ON a.document_id = d.id
WHERE ($1 = 0 OR d.tenant_id = $1) AND d.status <> 'CANCELLED'
GROUP BY d.tenant_id, d.id, d.amount_paid
HAVING d.amount_paid <> COALESCE(SUM(a.amount + a.adjustment), 0)`,
	},
	{
		name: "payment_allocations",
		query: `SELECT p.tenant_id, p.id, 'allocated=' || p.allocated_amount || ' actual=' || COALESCE(SUM(a.amount), 0)
FROM payments p
LEFT JOIN allocations a ON a.payment_id = p.id
WHERE ($1 = 0 OR p.tenant_id = $1)
GROUP BY p.tenant_id, p.id, p.allocated_amount
HAVING p.allocated_amount <> COALESCE(SUM(a.amount), 0)`,
	},
}

// Handle executes the integrity scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("tenant_id", payload.TenantID))
	logger.Info("starting ledger integrity scan")

	total := 0
	for _, check := range integrityChecks {
		found, err := j.runCheck(ctx, check, payload.TenantID, logger)
		if err != nil {
			resultErr = err
			logger.Error("integrity check failed", slog.String("check", check.name), slog.Any("error", err))
			return resultErr
		}
		total += found
	}

	logger.Info("completed ledger integrity scan",
		slog.Int("discrepancies", total),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *LedgerIntegrityJob) runCheck(ctx context.Context, check integrityCheck, tenantID int64, logger *slog.Logger) (int, error) {
	if j.Pool == nil {
		return 0, errors.New("ledger integrity: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, check.query, tenantID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	perTenant := make(map[int64]int)
	count := 0
	for rows.Next() {
		var tenant, entityID int64
		var detail string
		if err := rows.Scan(&tenant, &entityID, &detail); err != nil {
			return count, err
		}
		logger.Warn("ledger discrepancy detected",
			slog.String("check", check.name),
			slog.Int64("tenant_id", tenant),
			slog.Int64("entity_id", entityID),
			slog.String("detail", detail),
		)
		perTenant[tenant]++
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}
	for tenant, n := range perTenant {
		j.metrics().AddDiscrepancies(check.name, tenant, n)
	}
	return count, nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
