package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/inventory/inventorytest"
	"github.com/cardledger/cardledger/internal/shared"
	"github.com/cardledger/cardledger/jobs"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, nil
}

func TestJobsCommandTriggersCleanup(t *testing.T) {
	enq := &recordingEnqueuer{}
	c := NewJobsCLIWith(enq, stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 1}}, 48*time.Hour)

	stdout := new(bytes.Buffer)
	code := c.JobsCommand(context.Background(), JobsOptions{Trigger: jobs.TaskIdempotencyCleanup, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "enqueued idempotency:cleanup as task-1")
	require.Contains(t, stdout.String(), "pending=1")

	require.Len(t, enq.tasks, 1)
	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, shared.ModuleRequest, payload.Module)
	require.Equal(t, 48*time.Hour, payload.Retention)
}

func TestJobsCommandRejectsUnknownJob(t *testing.T) {
	c := NewJobsCLIWith(&recordingEnqueuer{}, stubInspector{}, time.Hour)
	stderr := new(bytes.Buffer)
	code := c.JobsCommand(context.Background(), JobsOptions{Trigger: "mail:send", Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "unsupported job")
}

func TestJobsCommandJSON(t *testing.T) {
	c := NewJobsCLIWith(&recordingEnqueuer{}, stubInspector{info: &asynq.QueueInfo{Queue: "default", Retry: 2}}, time.Hour)
	stdout := new(bytes.Buffer)
	require.Equal(t, 0, c.JobsCommand(context.Background(), JobsOptions{JSONOutput: true, Stdout: stdout}))
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":2}`, stdout.String())
}

type brokenScanner struct{}

func (brokenScanner) CheckIntegrity(ctx context.Context, pageSize int) (inventory.IntegrityReport, error) {
	return inventory.IntegrityReport{Scanned: 2, Violations: []error{errors.New("line 2: quantity -1")}}, nil
}

func TestIntegrityCommand(t *testing.T) {
	store := inventorytest.New()
	store.Seed(t, inventory.Identity{ChecklistID: 10, Parallel: "Base"}, 2, "6.00")
	svc := inventory.NewService(store, nil, nil, nil, nil)

	stdout := new(bytes.Buffer)
	require.Equal(t, 0, IntegrityCommand(context.Background(), svc, IntegrityOptions{Stdout: stdout}))
	require.Contains(t, stdout.String(), "Scanned 1 inventory lines.")

	stdout.Reset()
	require.Equal(t, 10, IntegrityCommand(context.Background(), brokenScanner{}, IntegrityOptions{JSONOutput: true, Stdout: stdout}))
	var summary IntegritySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.Equal(t, []string{"line 2: quantity -1"}, summary.Violations)

	stderr := new(bytes.Buffer)
	require.Equal(t, 1, IntegrityCommand(context.Background(), svc, IntegrityOptions{PageSize: -1, Stderr: stderr}))
}
