package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity scans every inventory line for invariant violations.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup drops expired request idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerIntegrityPayload tunes the scan.
type LedgerIntegrityPayload struct {
	PageSize int `json:"page_size"`
}

// IdempotencyCleanupPayload selects what gets removed.
type IdempotencyCleanupPayload struct {
	Module    string        `json:"module"`
	Retention time.Duration `json:"retention"`
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask(pageSize int) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{PageSize: pageSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the key cleanup task.
func NewIdempotencyCleanupTask(module string, retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Module: module, Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
