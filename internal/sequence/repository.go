package sequence

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygst/easygst/internal/platform/db"
)

// Repository encapsulates counter rows. Mutations go through WithTx so the
// increment commits or rolls back together with the enclosing document insert.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes counter operations inside a transaction.
type TxRepository interface {
	Next(ctx context.Context, key Key) (Issued, error)
	SetPrefix(ctx context.Context, key Key, prefix string) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Next(ctx context.Context, key Key) (Issued, error) {
	return NextInTx(ctx, r.tx, key)
}

func (r *txRepository) SetPrefix(ctx context.Context, key Key, prefix string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO document_sequences (tenant_id, doc_type, year, last_value, prefix)
VALUES ($1, $2, $3, 0, $4)
ON CONFLICT (tenant_id, doc_type, year) DO UPDATE SET prefix = EXCLUDED.prefix`,
		key.TenantID, key.DocType, key.Year, prefix)
	return err
}

// NextInTx atomically increments the counter row for key and returns the
// issued value with its formatted number. The row is created lazily on first
// use; the upsert takes a row lock, so concurrent callers serialize on the
// counter and no value is ever skipped or issued twice. Callers must run this
// inside the same transaction that inserts the numbered document.
func NextInTx(ctx context.Context, tx pgx.Tx, key Key) (Issued, error) {
	var (
		value  int64
		prefix string
	)
	err := tx.QueryRow(ctx, `INSERT INTO document_sequences (tenant_id, doc_type, year, last_value, prefix)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (tenant_id, doc_type, year)
DO UPDATE SET last_value = document_sequences.last_value + 1
RETURNING last_value, prefix`,
		key.TenantID, key.DocType, key.Year, key.DocType.DefaultPrefix()).
		Scan(&value, &prefix)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Value: value, Formatted: Format(prefix, key.Year, value)}, nil
}
