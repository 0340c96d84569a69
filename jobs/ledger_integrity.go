package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cardledger/cardledger/internal/inventory"
	jobmetrics "github.com/cardledger/cardledger/internal/jobs"
)

// IntegrityScanner runs the ledger scan.
type IntegrityScanner interface {
	CheckIntegrity(ctx context.Context, pageSize int) (inventory.IntegrityReport, error)
}

// ErrIntegrityViolation is returned when the scan finds broken lines.
var ErrIntegrityViolation = errors.New("ledger integrity violated")

// LedgerIntegrityJob checks that no line holds negative stock or keeps cost
// basis with zero quantity.
type LedgerIntegrityJob struct {
	Scanner IntegrityScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(scanner IntegrityScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Scanner: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes the scan for an asynq task.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.PageSize)
	if errors.Is(err, ErrIntegrityViolation) {
		// retrying cannot repair data
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Run scans the ledger and reports what it found.
func (j *LedgerIntegrityJob) Run(ctx context.Context, pageSize int) (report inventory.IntegrityReport, err error) {
	if j == nil || j.Scanner == nil {
		return report, errors.New("ledger integrity: scanner not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	start := time.Now()
	logger := j.logger()
	report, err = j.Scanner.CheckIntegrity(ctx, pageSize)
	if err != nil {
		logger.Error("ledger integrity scan failed", slog.Any("error", err))
		return report, err
	}
	j.Metrics.RecordIntegrityScan(report.Scanned, len(report.Violations))
	logger.Info("ledger integrity scan completed",
		slog.Int("scanned", report.Scanned),
		slog.Int("violations", len(report.Violations)),
		slog.Duration("duration", time.Since(start)),
	)
	if len(report.Violations) > 0 {
		return report, fmt.Errorf("%w: %d lines", ErrIntegrityViolation, len(report.Violations))
	}
	return report, nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}
