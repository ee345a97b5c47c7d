// Package store is the durable state layer for executions, step results,
// and the dead-letter queue, and owns the atomic claim primitive that lets
// concurrent workers pull work without duplication (spec §4.1, §4.2).
package store

import (
	"context"
	"time"

	"github.com/flowmill/orchestrator/pkg/workflow"
	"github.com/google/uuid"
)

// WorkflowRef identifies the pinned definition an execution runs against.
type WorkflowRef struct {
	Name    string
	Version string
}

// Patch is a partial update to an execution's mutable fields. Last-writer-
// wins on overlapping fields; nil pointers leave the column untouched,
// except where a field's own zero value (e.g. CurrentStepID cleared) is
// expressed via the Clear* sentinel fields below.
type Patch struct {
	Status          *workflow.Status
	Output          workflow.State
	Error           *string
	ClearError      bool
	CurrentStepID   *string
	ClearStepID     bool
	RetryCount      *int
	NextRetryAt     *time.Time
	ClearNextRetry  bool
	WorkerID        *string
	ClearWorkerID   bool
	LockedAt        *time.Time
	ClearLockedAt   bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// ListFilter narrows list_executions per spec §6 and §4.1.
type ListFilter struct {
	WorkflowName  string
	Status        workflow.Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Store is the persistent state layer contract from spec §4.1.
type Store interface {
	// CreateExecution creates a pending execution. If idempotencyKey is
	// non-empty and already associated with an execution, returns that
	// execution unchanged rather than creating a new row.
	CreateExecution(ctx context.Context, ref WorkflowRef, input workflow.State, idempotencyKey string) (*workflow.Execution, error)

	// Claim atomically transitions up to batchSize claimable executions
	// (pending, or retry_scheduled with next_retry_at <= now) to running,
	// ordered created_at ascending. See §4.2 for the full contract.
	Claim(ctx context.Context, workerID string, batchSize int) ([]*workflow.Execution, error)

	GetExecution(ctx context.Context, id uuid.UUID) (*workflow.Execution, error)

	UpdateExecution(ctx context.Context, id uuid.UUID, patch Patch) error

	AppendStepResult(ctx context.Context, result *workflow.StepResult) error

	FindByIdempotencyKey(ctx context.Context, key string) (*workflow.Execution, error)

	ListExecutions(ctx context.Context, filter ListFilter) ([]*workflow.Execution, error)

	StepResultsForExecution(ctx context.Context, executionID uuid.UUID) ([]*workflow.StepResult, error)

	AppendDLQEntry(ctx context.Context, entry *workflow.DLQEntry) error

	ListDLQ(ctx context.Context, limit, offset int) ([]*workflow.DLQEntry, error)

	AppendLog(ctx context.Context, entry *workflow.LogEntry) error

	// Cancel sets status=cancelled and completed_at=now, provided the
	// execution is not already in a terminal state. Returns ErrConflict
	// otherwise.
	Cancel(ctx context.Context, id uuid.UUID) error

	// ReleaseStaleClaims clears worker_id/locked_at and restores
	// status=pending on any running execution locked longer than
	// threshold ago. Returns the number of rows released (spec §4.2).
	ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int64, error)

	// UpsertWorker records worker lifecycle/heartbeat state (§12 worker
	// heartbeats supplement).
	UpsertWorker(ctx context.Context, id, hostname string, concurrency int) error
	Heartbeat(ctx context.Context, id string) error
	MarkWorkerOffline(ctx context.Context, id string) error
}
