package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygst/easygst/internal/platform/db"
	"github.com/easygst/easygst/internal/shared"
)

// Repository encapsulates DB operations for period locks.
type Repository interface {
	Get(ctx context.Context, tenantID, id int64) (PeriodLock, error)
	List(ctx context.Context, tenantID int64, activeOnly bool) ([]PeriodLock, error)
	IsLocked(ctx context.Context, tenantID int64, date time.Time) (bool, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes lock mutations within a transaction.
type TxRepository interface {
	Insert(ctx context.Context, lock PeriodLock) (PeriodLock, error)
	GetForUpdate(ctx context.Context, tenantID, id int64) (PeriodLock, error)
	Unlock(ctx context.Context, tenantID, id, actorID int64, at time.Time) error
	OverlapExists(ctx context.Context, tenantID int64, start, end time.Time) (bool, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const lockColumns = `id, tenant_id, period_start, period_end, period_type, reason,
locked_by, locked_at, unlocked_at, unlocked_by`

func scanLock(row pgx.Row) (PeriodLock, error) {
	var l PeriodLock
	err := row.Scan(&l.ID, &l.TenantID, &l.PeriodStart, &l.PeriodEnd, &l.PeriodType, &l.Reason,
		&l.LockedBy, &l.LockedAt, &l.UnlockedAt, &l.UnlockedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PeriodLock{}, shared.ErrNotFound
		}
		return PeriodLock{}, err
	}
	return l, nil
}

func (r *repository) Get(ctx context.Context, tenantID, id int64) (PeriodLock, error) {
	return scanLock(r.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM period_locks WHERE tenant_id=$1 AND id=$2`, tenantID, id))
}

func (r *repository) List(ctx context.Context, tenantID int64, activeOnly bool) ([]PeriodLock, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lockColumns+` FROM period_locks
WHERE tenant_id=$1 AND ($2=false OR unlocked_at IS NULL) ORDER BY period_start DESC, id DESC`,
		tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeriodLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *repository) IsLocked(ctx context.Context, tenantID int64, date time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM period_locks
WHERE tenant_id=$1 AND unlocked_at IS NULL AND $2::date BETWEEN period_start AND period_end)`, tenantID, date).
		Scan(&exists)
	return exists, err
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

// Insert creates a lock row. The exclusion constraint on the active date
// range is the authoritative overlap guard; a violation maps to
// ErrOverlappingLock even when the pre-check raced.
func (r *txRepository) Insert(ctx context.Context, lock PeriodLock) (PeriodLock, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO period_locks (tenant_id, period_start, period_end, period_type, reason, locked_by, locked_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		lock.TenantID, lock.PeriodStart, lock.PeriodEnd, lock.PeriodType, lock.Reason, lock.LockedBy, lock.LockedAt).
		Scan(&lock.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return PeriodLock{}, shared.ErrOverlappingLock
		}
		return PeriodLock{}, err
	}
	return lock, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, tenantID, id int64) (PeriodLock, error) {
	return scanLock(r.tx.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM period_locks WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
}

func (r *txRepository) Unlock(ctx context.Context, tenantID, id, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE period_locks SET unlocked_at=$3, unlocked_by=$4
WHERE tenant_id=$1 AND id=$2 AND unlocked_at IS NULL`, tenantID, id, at, actorID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) OverlapExists(ctx context.Context, tenantID int64, start, end time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM period_locks
WHERE tenant_id=$1 AND unlocked_at IS NULL AND period_start <= $3::date AND period_end >= $2::date)`,
		tenantID, start, end).
		Scan(&exists)
	return exists, err
}
