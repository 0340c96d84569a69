package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/cardledger/cardledger/internal/jobs"
	"github.com/cardledger/cardledger/internal/shared"
)

// KeyCleaner removes expired idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob expires request keys. Batch claims never expire, so
// the job refuses any module other than shared.ModuleRequest.
type IdempotencyCleanupJob struct {
	Store     KeyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob builds the job with a default retention.
func NewIdempotencyCleanupJob(store KeyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{Store: store, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle executes the cleanup for an asynq task.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	payload := IdempotencyCleanupPayload{Module: shared.ModuleRequest}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.Module, payload.Retention)
	if errors.Is(err, shared.ErrValidation) {
		return asynq.SkipRetry
	}
	return err
}

// Run removes keys of module older than retention, falling back to the
// configured retention when zero.
func (j *IdempotencyCleanupJob) Run(ctx context.Context, module string, retention time.Duration) (removed int64, err error) {
	if j == nil || j.Store == nil {
		return 0, errors.New("idempotency cleanup: store not configured")
	}
	if module == "" {
		module = shared.ModuleRequest
	}
	if module != shared.ModuleRequest {
		return 0, shared.Invalid("module", "only request keys expire")
	}
	if retention <= 0 {
		retention = j.Retention
	}
	if retention <= 0 {
		return 0, shared.Invalid("retention", "must be positive")
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	removed, err = j.Store.Cleanup(ctx, module, retention)
	if err != nil {
		j.Logger.Error("idempotency cleanup failed", slog.Any("error", err))
		return 0, err
	}
	j.Metrics.AddCleaned(module, removed)
	j.Logger.Info("idempotency cleanup completed",
		slog.String("module", module),
		slog.Int64("removed", removed),
		slog.Duration("retention", retention))
	return removed, nil
}
