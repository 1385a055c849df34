package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/platform/db"
	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

// Repository encapsulates DB operations for payments and allocations.
type Repository interface {
	GetPayment(ctx context.Context, tenantID, id int64) (Payment, error)
	ListUnallocated(ctx context.Context, tenantID, partyID int64) ([]Payment, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within an allocation transaction.
// Document balance and period lock access is duplicated here so every check
// and write happens under the same transaction and row locks.
type TxRepository interface {
	NextNumber(ctx context.Context, key sequence.Key) (sequence.Issued, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	GetPaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error)
	UpdatePaymentAllocated(ctx context.Context, tenantID, id int64, allocated decimal.Decimal) error
	DeletePayment(ctx context.Context, tenantID, id int64) error
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
	GetAllocationForUpdate(ctx context.Context, tenantID, id int64) (Allocation, error)
	ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error)
	DeleteAllocation(ctx context.Context, id int64) error

	GetDocumentForUpdate(ctx context.Context, tenantID, id int64) (ledger.Document, error)
	UpdateDocumentBalance(ctx context.Context, doc ledger.Document) error
	ActiveLockExists(ctx context.Context, tenantID int64, date time.Time) (bool, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const paymentColumns = `id, tenant_id, kind, number, sequence_value, party_id, currency, amount,
allocated_amount, payment_date, method, note, ref_id, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.TenantID, &p.Kind, &p.Number, &p.SequenceValue, &p.PartyID, &p.Currency,
		&p.Amount, &p.AllocatedAmount, &p.PaymentDate, &p.Method, &p.Note, &p.RefID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, shared.ErrNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

func (r *repository) GetPayment(ctx context.Context, tenantID, id int64) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return Payment{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, payment_id, document_id, amount, adjustment, created_at
FROM allocations WHERE payment_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Payment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.DocumentID, &a.Amount, &a.Adjustment, &a.CreatedAt); err != nil {
			return Payment{}, err
		}
		p.Allocations = append(p.Allocations, a)
	}
	return p, rows.Err()
}

// ListUnallocated returns payments and advances with remaining unallocated
// amount, optionally filtered by party.
func (r *repository) ListUnallocated(ctx context.Context, tenantID, partyID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE tenant_id=$1 AND ($2=0 OR party_id=$2) AND allocated_amount < amount
ORDER BY payment_date ASC, id ASC`, tenantID, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) NextNumber(ctx context.Context, key sequence.Key) (sequence.Issued, error) {
	return sequence.NextInTx(ctx, r.tx, key)
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payments (tenant_id, kind, number, sequence_value, party_id, currency, amount, allocated_amount, payment_date, method, note, ref_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id, created_at, updated_at`,
		p.TenantID, p.Kind, p.Number, p.SequenceValue, p.PartyID, p.Currency, p.Amount, p.AllocatedAmount,
		p.PaymentDate, p.Method, p.Note, p.RefID).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (r *txRepository) GetPaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error) {
	return scanPayment(r.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
}

func (r *txRepository) UpdatePaymentAllocated(ctx context.Context, tenantID, id int64, allocated decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE payments SET allocated_amount=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, allocated)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) DeletePayment(ctx context.Context, tenantID, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM payments WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO allocations (payment_id, document_id, amount, adjustment)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		a.PaymentID, a.DocumentID, a.Amount, a.Adjustment).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return Allocation{}, err
	}
	return a, nil
}

func (r *txRepository) GetAllocationForUpdate(ctx context.Context, tenantID, id int64) (Allocation, error) {
	var a Allocation
	err := r.tx.QueryRow(ctx, `SELECT a.id, a.payment_id, a.document_id, a.amount, a.adjustment, a.created_at
FROM allocations a JOIN payments p ON p.id = a.payment_id
WHERE p.tenant_id=$1 AND a.id=$2 FOR UPDATE OF a`, tenantID, id).
		Scan(&a.ID, &a.PaymentID, &a.DocumentID, &a.Amount, &a.Adjustment, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, shared.ErrNotFound
		}
		return Allocation{}, err
	}
	return a, nil
}

func (r *txRepository) ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, payment_id, document_id, amount, adjustment, created_at
FROM allocations WHERE payment_id=$1 ORDER BY id ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.DocumentID, &a.Amount, &a.Adjustment, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) DeleteAllocation(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM allocations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) GetDocumentForUpdate(ctx context.Context, tenantID, id int64) (ledger.Document, error) {
	var d ledger.Document
	err := r.tx.QueryRow(ctx, `SELECT id, tenant_id, kind, number, sequence_value, party_id, currency, document_date,
total_amount, amount_paid, amount_due, status, created_at, updated_at
FROM documents WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id).
		Scan(&d.ID, &d.TenantID, &d.Kind, &d.Number, &d.SequenceValue, &d.PartyID, &d.Currency,
			&d.DocumentDate, &d.TotalAmount, &d.AmountPaid, &d.AmountDue, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Document{}, shared.ErrNotFound
		}
		return ledger.Document{}, err
	}
	d.PaymentStatus = ledger.DerivePaymentStatus(d.AmountPaid, d.TotalAmount)
	return d, nil
}

func (r *txRepository) UpdateDocumentBalance(ctx context.Context, doc ledger.Document) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE documents SET amount_paid=$3, amount_due=$4, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2`, doc.TenantID, doc.ID, doc.AmountPaid, doc.AmountDue)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) ActiveLockExists(ctx context.Context, tenantID int64, date time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM period_locks
WHERE tenant_id=$1 AND unlocked_at IS NULL AND $2::date BETWEEN period_start AND period_end)`, tenantID, date).
		Scan(&exists)
	return exists, err
}
