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

// SequenceAuditJob verifies numbering invariants: no duplicate document
// numbers within a tenant, and no issued value above the sequence counter.
// Gaps inside a year are reported too; under gap-free issuance they should
// never appear.
type SequenceAuditJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSequenceAuditJob initialises the numbering audit handler.
func NewSequenceAuditJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *SequenceAuditJob {
	return &SequenceAuditJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

var sequenceChecks = []integrityCheck{
	{
		name: "duplicate_numbers",
		query: `SELECT tenant_id, MIN(id), number || ' x' || COUNT(*)
FROM documents
WHERE ($1 = 0 OR tenant_id = $1)
GROUP BY tenant_id, number
HAVING COUNT(*) > 1`,
	},
	{
		name: "counter_overrun",
		query: `SELECT d.tenant_id, MAX(d.id), d.kind || '/' || EXTRACT(YEAR FROM d.document_date)::int || ' max=' || MAX(d.sequence_value) || ' counter=' || s.last_value
FROM documents d
JOIN document_sequences s ON s.tenant_id = d.tenant_id
  AND s.doc_type = d.kind AND s.year = EXTRACT(YEAR FROM d.document_date)::int
WHERE ($1 = 0 OR d.tenant_id = $1)
GROUP BY d.tenant_id, d.kind, EXTRACT(YEAR FROM d.document_date)::int, s.last_value
HAVING MAX(d.sequence_value) > s.last_value`,
	},
	{
		name: "sequence_gaps",
		query: `SELECT tenant_id, MAX(id), kind || '/' || EXTRACT(YEAR FROM document_date)::int || ' count=' || COUNT(*) || ' span=' || (MAX(sequence_value) - MIN(sequence_value) + 1)
FROM documents
WHERE ($1 = 0 OR tenant_id = $1)
GROUP BY tenant_id, kind, EXTRACT(YEAR FROM document_date)::int
HAVING COUNT(*) <> MAX(sequence_value) - MIN(sequence_value) + 1`,
	},
}

// Handle executes the numbering audit.
func (j *SequenceAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("sequence audit: handler not configured")
	}
	var payload SequenceAuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskSequenceAudit)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("tenant_id", payload.TenantID))
	logger.Info("starting sequence audit")

	total := 0
	for _, check := range sequenceChecks {
		found, err := j.runCheck(ctx, check, payload.TenantID, logger)
		if err != nil {
			resultErr = err
			logger.Error("sequence check failed", slog.String("check", check.name), slog.Any("error", err))
			return resultErr
		}
		total += found
	}

	logger.Info("completed sequence audit",
		slog.Int("violations", total),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *SequenceAuditJob) runCheck(ctx context.Context, check integrityCheck, tenantID int64, logger *slog.Logger) (int, error) {
	if j.Pool == nil {
		return 0, errors.New("sequence audit: pool not configured")
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
		logger.Warn("numbering violation detected",
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

func (j *SequenceAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSequenceAudit))
	}
	return slog.Default().With(slog.String("job", TaskSequenceAudit))
}

func (j *SequenceAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *SequenceAuditJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
