package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
)

// ModuleRequest scopes client supplied Idempotency-Key values; those keys expire.
const ModuleRequest = "request"

// BatchGuard makes bulk imports idempotent per batch identifier. A Redis lock
// keeps two submissions of the same batch from running concurrently and the
// durable key store rejects batches that were already applied.
type BatchGuard struct {
	locker *redislock.Client
	keys   KeyStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewBatchGuard builds a guard. locker may be nil, in which case only the key
// store serialises submissions.
func NewBatchGuard(locker *redislock.Client, keys KeyStore, ttl time.Duration, logger *slog.Logger) *BatchGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchGuard{locker: locker, keys: keys, ttl: ttl, logger: logger}
}

// BatchKey is the idempotency key of a batch within module.
func BatchKey(module, batchID string) string {
	return fmt.Sprintf("batch:%s:%s", module, batchID)
}

// Claim reserves batchID for module. The returned release must be called once
// processing ends; applied=false frees the batch for a later resubmission.
func (g *BatchGuard) Claim(ctx context.Context, module, batchID string) (func(applied bool), error) {
	if batchID == "" {
		return nil, Invalid("batch_id", "is required")
	}
	if len(batchID) > 128 {
		return nil, Invalid("batch_id", "must be at most 128 characters")
	}
	key := BatchKey(module, batchID)
	var lock *redislock.Lock
	if g.locker != nil {
		var err error
		lock, err = g.locker.Obtain(ctx, "lock:"+key, g.ttl, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s is being processed", ErrDuplicateBatch, batchID)
		}
		if err != nil {
			return nil, fmt.Errorf("batch guard: obtain lock: %w", err)
		}
	}
	unlock := func() {
		if lock == nil {
			return
		}
		// Release must outlive a cancelled request context.
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			g.logger.Warn("batch guard release", slog.String("batch", key), slog.Any("error", err))
		}
	}
	if err := g.keys.CheckAndInsert(ctx, key, module); err != nil {
		unlock()
		if errors.Is(err, ErrIdempotencyConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBatch, batchID)
		}
		return nil, err
	}
	return func(applied bool) {
		if !applied {
			if err := g.keys.Delete(context.WithoutCancel(ctx), key); err != nil {
				g.logger.Warn("batch guard unclaim", slog.String("batch", key), slog.Any("error", err))
			}
		}
		unlock()
	}, nil
}

// RowError reports a rejected row of a bulk submission. Row is 1-based.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// BulkResult is the outcome of a bulk submission with per-row isolation.
type BulkResult struct {
	BatchID string     `json:"batch_id"`
	Created int        `json:"created"`
	IDs     []int64    `json:"ids"`
	Errors  []RowError `json:"errors"`
}

// Fail records a rejected row.
func (r *BulkResult) Fail(row int, err error) {
	r.Errors = append(r.Errors, RowError{Row: row, Reason: err.Error()})
}

// Applied reports whether at least one row was committed.
func (r BulkResult) Applied() bool {
	return r.Created > 0
}
