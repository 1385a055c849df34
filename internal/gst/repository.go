package gst

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/platform/db"
	"github.com/easygst/easygst/internal/shared"
)

// Repository encapsulates DB operations for GST returns.
type Repository interface {
	Get(ctx context.Context, tenantID, id int64) (GstReturn, error)
	List(ctx context.Context, tenantID int64) ([]GstReturn, error)
	Aggregate(ctx context.Context, tenantID int64, start, end time.Time) ([]ReturnLine, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes return mutations within a transaction. Aggregation is
// duplicated here so Prepare reads document state under the same snapshot
// that persists the draft, and filing inserts its period lock without
// leaving the transaction.
type TxRepository interface {
	Aggregate(ctx context.Context, tenantID int64, start, end time.Time) ([]ReturnLine, error)
	Insert(ctx context.Context, ret GstReturn) (GstReturn, error)
	InsertLines(ctx context.Context, returnID int64, lines []ReturnLine) error
	GetForUpdate(ctx context.Context, tenantID, id int64) (GstReturn, error)
	MarkFiled(ctx context.Context, ret GstReturn) error
	Delete(ctx context.Context, tenantID, id int64) error
	InsertPeriodLock(ctx context.Context, lock periods.PeriodLock) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const returnColumns = `id, tenant_id, period_start, period_end, return_type, status,
output_gst, input_gst, net_gst_payable, total_payable, ref_id, filed_at, filed_by, created_at, updated_at`

func scanReturn(row pgx.Row) (GstReturn, error) {
	var ret GstReturn
	err := row.Scan(&ret.ID, &ret.TenantID, &ret.PeriodStart, &ret.PeriodEnd, &ret.ReturnType, &ret.Status,
		&ret.OutputGst, &ret.InputGst, &ret.NetGstPayable, &ret.TotalPayable, &ret.RefID,
		&ret.FiledAt, &ret.FiledBy, &ret.CreatedAt, &ret.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GstReturn{}, shared.ErrNotFound
		}
		return GstReturn{}, err
	}
	return ret, nil
}

// aggregateQuery buckets tax by side and classification. Output tax counts
// only fully paid invoices; input tax counts every non-cancelled bill.
const aggregateQuery = `
SELECT 'OUTPUT' AS side, l.tax_classification, COALESCE(SUM(l.taxable_amount),0), COALESCE(SUM(l.tax_amount),0)
FROM documents d JOIN document_lines l ON l.document_id = d.id
WHERE d.tenant_id=$1 AND d.kind='INVOICE' AND d.status <> 'CANCELLED'
  AND d.amount_paid >= d.total_amount AND d.total_amount > 0
  AND d.document_date BETWEEN $2::date AND $3::date
GROUP BY l.tax_classification
UNION ALL
SELECT 'INPUT' AS side, l.tax_classification, COALESCE(SUM(l.taxable_amount),0), COALESCE(SUM(l.tax_amount),0)
FROM documents d JOIN document_lines l ON l.document_id = d.id
WHERE d.tenant_id=$1 AND d.kind='BILL' AND d.status <> 'CANCELLED'
  AND d.document_date BETWEEN $2::date AND $3::date
GROUP BY l.tax_classification
ORDER BY 1 DESC, 2 ASC`

func aggregateRows(rows pgx.Rows) ([]ReturnLine, error) {
	defer rows.Close()
	var out []ReturnLine
	for rows.Next() {
		var line ReturnLine
		var side string
		var classification string
		if err := rows.Scan(&side, &classification, &line.TaxableAmount, &line.TaxAmount); err != nil {
			return nil, err
		}
		line.Side = LineSide(side)
		line.Classification = ledger.TaxClassification(classification)
		out = append(out, line)
	}
	return out, rows.Err()
}

func (r *repository) Get(ctx context.Context, tenantID, id int64) (GstReturn, error) {
	ret, err := scanReturn(r.pool.QueryRow(ctx,
		`SELECT `+returnColumns+` FROM gst_returns WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return GstReturn{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, return_id, side, tax_classification, taxable_amount, tax_amount
FROM gst_return_lines WHERE return_id=$1 ORDER BY side DESC, tax_classification ASC`, id)
	if err != nil {
		return GstReturn{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line ReturnLine
		if err := rows.Scan(&line.ID, &line.ReturnID, &line.Side, &line.Classification,
			&line.TaxableAmount, &line.TaxAmount); err != nil {
			return GstReturn{}, err
		}
		ret.Lines = append(ret.Lines, line)
	}
	return ret, rows.Err()
}

func (r *repository) List(ctx context.Context, tenantID int64) ([]GstReturn, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+returnColumns+` FROM gst_returns
WHERE tenant_id=$1 ORDER BY period_start DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GstReturn
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ret)
	}
	return out, rows.Err()
}

func (r *repository) Aggregate(ctx context.Context, tenantID int64, start, end time.Time) ([]ReturnLine, error) {
	rows, err := r.pool.Query(ctx, aggregateQuery, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return aggregateRows(rows)
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Aggregate(ctx context.Context, tenantID int64, start, end time.Time) ([]ReturnLine, error) {
	rows, err := r.tx.Query(ctx, aggregateQuery, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	return aggregateRows(rows)
}

func (r *txRepository) Insert(ctx context.Context, ret GstReturn) (GstReturn, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO gst_returns (tenant_id, period_start, period_end, return_type, status, output_gst, input_gst, net_gst_payable, total_payable, ref_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id, created_at, updated_at`,
		ret.TenantID, ret.PeriodStart, ret.PeriodEnd, ret.ReturnType, ret.Status,
		ret.OutputGst, ret.InputGst, ret.NetGstPayable, ret.TotalPayable, ret.RefID).
		Scan(&ret.ID, &ret.CreatedAt, &ret.UpdatedAt)
	if err != nil {
		return GstReturn{}, err
	}
	return ret, nil
}

func (r *txRepository) InsertLines(ctx context.Context, returnID int64, lines []ReturnLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO gst_return_lines (return_id, side, tax_classification, taxable_amount, tax_amount)
VALUES ($1,$2,$3,$4,$5)`,
			returnID, line.Side, line.Classification, line.TaxableAmount, line.TaxAmount); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, tenantID, id int64) (GstReturn, error) {
	return scanReturn(r.tx.QueryRow(ctx,
		`SELECT `+returnColumns+` FROM gst_returns WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
}

func (r *txRepository) MarkFiled(ctx context.Context, ret GstReturn) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE gst_returns
SET status=$3, output_gst=$4, input_gst=$5, net_gst_payable=$6, total_payable=$7, filed_at=$8, filed_by=$9, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2`,
		ret.TenantID, ret.ID, ret.Status, ret.OutputGst, ret.InputGst, ret.NetGstPayable,
		ret.TotalPayable, ret.FiledAt, ret.FiledBy)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) Delete(ctx context.Context, tenantID, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM gst_return_lines WHERE return_id=$1`, id); err != nil {
		return err
	}
	cmd, err := r.tx.Exec(ctx, `DELETE FROM gst_returns WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertPeriodLock creates the lock that freezes the filed period, inside
// the filing transaction. An exclusion constraint violation means another
// active lock already covers part of the range.
func (r *txRepository) InsertPeriodLock(ctx context.Context, lock periods.PeriodLock) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO period_locks (tenant_id, period_start, period_end, period_type, reason, locked_by, locked_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		lock.TenantID, lock.PeriodStart, lock.PeriodEnd, lock.PeriodType, lock.Reason, lock.LockedBy, lock.LockedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return shared.ErrOverlappingLock
		}
		return err
	}
	return nil
}
