// Package storetest provides an in-memory store.Store implementation for
// exercising the runner and worker pool without a live Postgres,
// mirroring the teacher's pkg/execution/mock.go test-double pattern.
// It reimplements the claim primitive's atomicity and ordering
// contracts (spec §4.2) over a mutex-guarded map instead of
// FOR UPDATE SKIP LOCKED — sufficient for single-process tests, not a
// substitute for the Postgres store's cross-process guarantee (spec §9).
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/orchestrator/pkg/store"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// Memory is a goroutine-safe, in-memory store.Store.
type Memory struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*workflow.Execution
	results    map[uuid.UUID][]*workflow.StepResult
	dlq        []*workflow.DLQEntry
	logs       []*workflow.LogEntry
	byKey      map[string]uuid.UUID
	seq        int64
}

// New returns an empty Memory store.
func New() *Memory {
	return &Memory{
		executions: make(map[uuid.UUID]*workflow.Execution),
		results:    make(map[uuid.UUID][]*workflow.StepResult),
		byKey:      make(map[string]uuid.UUID),
	}
}

func clone(e *workflow.Execution) *workflow.Execution {
	cp := *e
	return &cp
}

// nextCreatedAt hands out strictly increasing timestamps so claim
// ordering (created_at ascending) is deterministic under tests that
// create many executions within the same wall-clock tick.
func (m *Memory) nextCreatedAt() time.Time {
	m.seq++
	return time.Unix(0, m.seq)
}

func (m *Memory) CreateExecution(ctx context.Context, ref store.WorkflowRef, input workflow.State, idempotencyKey string) (*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := m.byKey[idempotencyKey]; ok {
			return clone(m.executions[id]), nil
		}
	}

	e := &workflow.Execution{
		ID:              uuid.New(),
		WorkflowName:    ref.Name,
		WorkflowVersion: ref.Version,
		Status:          workflow.StatusPending,
		Input:           input,
		Output:          workflow.State{},
		CreatedAt:       m.nextCreatedAt(),
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		e.IdempotencyKey = &key
		m.byKey[key] = e.ID
	}
	m.executions[e.ID] = e
	return clone(e), nil
}

// Claim reproduces spec §4.2's contract: claimable rows (pending, or
// retry_scheduled with next_retry_at <= now), ordered created_at
// ascending, atomically transitioned to running under a single mutex
// critical section — equivalent to FOR UPDATE SKIP LOCKED's
// non-duplication and non-blocking-on-contention guarantees for a
// single process.
func (m *Memory) Claim(ctx context.Context, workerID string, batchSize int) ([]*workflow.Execution, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var candidates []*workflow.Execution
	for _, e := range m.executions {
		switch {
		case e.Status == workflow.StatusPending:
			candidates = append(candidates, e)
		case e.Status == workflow.StatusRetryScheduled && e.NextRetryAt != nil && !e.NextRetryAt.After(now):
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*workflow.Execution, 0, len(candidates))
	for _, e := range candidates {
		e.Status = workflow.StatusRunning
		wID := workerID
		e.WorkerID = &wID
		lockedAt := now
		e.LockedAt = &lockedAt
		if e.StartedAt == nil {
			started := now
			e.StartedAt = &started
		}
		claimed = append(claimed, clone(e))
	}
	return claimed, nil
}

func (m *Memory) GetExecution(ctx context.Context, id uuid.UUID) (*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(e), nil
}

func (m *Memory) UpdateExecution(ctx context.Context, id uuid.UUID, patch store.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return store.ErrNotFound
	}

	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.Output != nil {
		e.Output = patch.Output
	}
	if patch.ClearError {
		e.Error = nil
	} else if patch.Error != nil {
		e.Error = patch.Error
	}
	if patch.ClearStepID {
		e.CurrentStepID = nil
	} else if patch.CurrentStepID != nil {
		e.CurrentStepID = patch.CurrentStepID
	}
	if patch.RetryCount != nil {
		e.RetryCount = *patch.RetryCount
	}
	if patch.ClearNextRetry {
		e.NextRetryAt = nil
	} else if patch.NextRetryAt != nil {
		e.NextRetryAt = patch.NextRetryAt
	}
	if patch.ClearWorkerID {
		e.WorkerID = nil
	} else if patch.WorkerID != nil {
		e.WorkerID = patch.WorkerID
	}
	if patch.ClearLockedAt {
		e.LockedAt = nil
	} else if patch.LockedAt != nil {
		e.LockedAt = patch.LockedAt
	}
	if patch.StartedAt != nil {
		e.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		e.CompletedAt = patch.CompletedAt
	}
	return nil
}

func (m *Memory) AppendStepResult(ctx context.Context, r *workflow.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.results[r.ExecutionID] = append(m.results[r.ExecutionID], &cp)
	return nil
}

func (m *Memory) StepResultsForExecution(ctx context.Context, executionID uuid.UUID) ([]*workflow.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.StepResult, len(m.results[executionID]))
	copy(out, m.results[executionID])
	return out, nil
}

func (m *Memory) FindByIdempotencyKey(ctx context.Context, key string) (*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	return clone(m.executions[id]), nil
}

func (m *Memory) ListExecutions(ctx context.Context, filter store.ListFilter) ([]*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Execution
	for _, e := range m.executions {
		if filter.WorkflowName != "" && e.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendDLQEntry(ctx context.Context, entry *workflow.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	cp := *entry
	m.dlq = append(m.dlq, &cp)
	return nil
}

func (m *Memory) ListDLQ(ctx context.Context, limit, offset int) ([]*workflow.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.DLQEntry, len(m.dlq))
	copy(out, m.dlq)
	return out, nil
}

func (m *Memory) AppendLog(ctx context.Context, entry *workflow.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

// Logs returns a snapshot of every log entry appended so far, for test
// assertions (spec §8 S6: "no success-path log entry is written").
func (m *Memory) Logs() []*workflow.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *Memory) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status.Terminal() {
		return store.ErrConflict
	}
	e.Status = workflow.StatusCancelled
	now := time.Now()
	e.CompletedAt = &now
	e.WorkerID = nil
	e.LockedAt = nil
	return nil
}

func (m *Memory) ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var n int64
	for _, e := range m.executions {
		if e.Status == workflow.StatusRunning && e.LockedAt != nil && e.LockedAt.Before(cutoff) {
			e.Status = workflow.StatusPending
			e.WorkerID = nil
			e.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertWorker(ctx context.Context, id, hostname string, concurrency int) error {
	return nil
}

func (m *Memory) Heartbeat(ctx context.Context, id string) error { return nil }

func (m *Memory) MarkWorkerOffline(ctx context.Context, id string) error { return nil }

var _ store.Store = (*Memory)(nil)
