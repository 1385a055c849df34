package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygst/easygst/internal/platform/db"
	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

// Repository encapsulates DB operations for ledger documents.
type Repository interface {
	GetDocument(ctx context.Context, tenantID, id int64) (Document, error)
	ListDocuments(ctx context.Context, tenantID int64, kind DocumentKind, limit, offset int) ([]Document, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction. The period
// lock query lives here too so mutating operations check it under the same
// transaction that performs the write.
type TxRepository interface {
	NextNumber(ctx context.Context, key sequence.Key) (sequence.Issued, error)
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	InsertLines(ctx context.Context, documentID int64, lines []LineItem) error
	GetDocumentForUpdate(ctx context.Context, tenantID, id int64) (Document, error)
	UpdateBalance(ctx context.Context, doc Document) error
	UpdateStatus(ctx context.Context, tenantID, id int64, status DocumentStatus) error
	ActiveLockExists(ctx context.Context, tenantID int64, date time.Time) (bool, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const documentColumns = `id, tenant_id, kind, number, sequence_value, party_id, currency, document_date,
total_amount, amount_paid, amount_due, status, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.TenantID, &d.Kind, &d.Number, &d.SequenceValue, &d.PartyID, &d.Currency,
		&d.DocumentDate, &d.TotalAmount, &d.AmountPaid, &d.AmountDue, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, shared.ErrNotFound
		}
		return Document{}, err
	}
	d.PaymentStatus = DerivePaymentStatus(d.AmountPaid, d.TotalAmount)
	return d, nil
}

func (r *repository) GetDocument(ctx context.Context, tenantID, id int64) (Document, error) {
	doc, err := scanDocument(r.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return Document{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, description, taxable_amount, tax_classification, tax_rate, tax_amount, created_at
FROM document_lines WHERE document_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Document{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line LineItem
		if err := rows.Scan(&line.ID, &line.DocumentID, &line.Description, &line.TaxableAmount,
			&line.TaxClassification, &line.TaxRate, &line.TaxAmount, &line.CreatedAt); err != nil {
			return Document{}, err
		}
		doc.Lines = append(doc.Lines, line)
	}
	return doc, rows.Err()
}

func (r *repository) ListDocuments(ctx context.Context, tenantID int64, kind DocumentKind, limit, offset int) ([]Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents
WHERE tenant_id=$1 AND ($2='' OR kind=$2) ORDER BY document_date DESC, id DESC LIMIT $3 OFFSET $4`,
		tenantID, string(kind), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
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

func (r *txRepository) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO documents (tenant_id, kind, number, sequence_value, party_id, currency, document_date, total_amount, amount_paid, amount_due, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id, created_at, updated_at`,
		doc.TenantID, doc.Kind, doc.Number, doc.SequenceValue, doc.PartyID, doc.Currency, doc.DocumentDate,
		doc.TotalAmount, doc.AmountPaid, doc.AmountDue, doc.Status).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (r *txRepository) InsertLines(ctx context.Context, documentID int64, lines []LineItem) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO document_lines (document_id, description, taxable_amount, tax_classification, tax_rate, tax_amount)
VALUES ($1,$2,$3,$4,$5,$6)`,
			documentID, line.Description, line.TaxableAmount, line.TaxClassification, line.TaxRate, line.TaxAmount); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetDocumentForUpdate(ctx context.Context, tenantID, id int64) (Document, error) {
	return scanDocument(r.tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
}

func (r *txRepository) UpdateBalance(ctx context.Context, doc Document) error {
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

func (r *txRepository) UpdateStatus(ctx context.Context, tenantID, id int64, status DocumentStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE documents SET status=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, status)
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
