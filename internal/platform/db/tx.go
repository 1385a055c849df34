package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygst/easygst/internal/shared"
)

const (
	txRetryAttempts = 3
	txRetryBaseWait = 25 * time.Millisecond
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// WithTxRetry runs fn via WithTx and retries serialization failures and
// deadlocks with jittered backoff. After the retry budget is spent the error
// surfaces as shared.ErrConcurrencyConflict. All other errors surface
// immediately; the transaction either fully committed or fully rolled back.
func WithTxRetry(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err = WithTx(ctx, pool, fn)
		if err == nil || !retryableTxError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", shared.ErrConcurrencyConflict, err)
}

// retryableTxError reports whether the error is a PostgreSQL serialization
// failure (40001) or deadlock (40P01).
func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func retryBackoff(attempt int) time.Duration {
	base := txRetryBaseWait << attempt
	jitter := time.Duration(rand.Int63n(int64(txRetryBaseWait)))
	return base + jitter
}
