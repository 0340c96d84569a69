package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardledger/cardledger/internal/shared"
)

// PostgreSQL SQLSTATE codes the engine reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// DefaultAttempts is used when a runner is built with a non-positive attempt count.
const DefaultAttempts = 3

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
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// TxRunner runs units of work and retries the ones lost to concurrent writers.
type TxRunner struct {
	pool     *pgxpool.Pool
	attempts int
	backoff  time.Duration
	// OnRetry is called before each retry; used for conflict metrics.
	OnRetry func(attempt int, err error)
}

// NewTxRunner builds a runner over pool.
func NewTxRunner(pool *pgxpool.Pool, attempts int) *TxRunner {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &TxRunner{pool: pool, attempts: attempts, backoff: 20 * time.Millisecond}
}

// Run executes fn in a fresh transaction per attempt.
func (r *TxRunner) Run(ctx context.Context, fn func(pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return errors.New("platform/db: tx runner not initialised")
	}
	return Retry(ctx, r.attempts, r.backoff, r.OnRetry, func() error {
		return WithTx(ctx, r.pool, fn)
	})
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, attempts int, backoff time.Duration, onRetry func(int, error), fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !shared.IsRetryable(err) || attempt == attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

// Classify maps serialization failures and deadlocks onto
// shared.ErrConcurrentModification so callers can retry them.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeSerializationFailure, CodeDeadlockDetected:
			return fmt.Errorf("%w: %s", shared.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}
