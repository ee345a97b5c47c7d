package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowmill/orchestrator/pkg/workflow"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is the database/sql + lib/pq implementation of Store, grounded
// on the teacher's pkg/execution/engine.go (claim via FOR UPDATE SKIP
// LOCKED, idempotency-unique-violation translation).
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-connected, already-migrated *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func marshalState(s workflow.State) ([]byte, error) {
	if s == nil {
		s = workflow.State{}
	}
	return json.Marshal(s)
}

func unmarshalState(raw []byte) (workflow.State, error) {
	if len(raw) == 0 {
		return workflow.State{}, nil
	}
	var s workflow.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == nil {
		s = workflow.State{}
	}
	return s, nil
}

// CreateExecution implements the "insert if absent, else return existing"
// contract from spec §9 via a unique constraint on idempotency_key plus a
// unique-violation-to-lookup translation, never an app-level check-then-insert.
func (p *Postgres) CreateExecution(ctx context.Context, ref WorkflowRef, input workflow.State, idempotencyKey string) (*workflow.Execution, error) {
	inputJSON, err := marshalState(input)
	if err != nil {
		return nil, wrap("create_execution", err)
	}

	var key *string
	if idempotencyKey != "" {
		key = &idempotencyKey
	}

	id := uuid.New()
	now := time.Now().UTC()

	const q = `
		INSERT INTO executions (
			id, workflow_id, workflow_name, workflow_version, status,
			input, output, retry_count, idempotency_key, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 'pending', $5, '{}'::jsonb, 0, $6, $7, $7
		)`

	_, err = p.db.ExecContext(ctx, q, id, ref.Name, ref.Name, ref.Version, inputJSON, key, now)
	if err != nil {
		if isUniqueViolation(err) && key != nil {
			existing, lookupErr := p.FindByIdempotencyKey(ctx, *key)
			if lookupErr != nil {
				return nil, wrap("create_execution", lookupErr)
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, wrap("create_execution", err)
	}

	return p.GetExecution(ctx, id)
}

const executionColumns = `
	id, workflow_name, workflow_version, status, input, output, error,
	current_step_id, retry_count, next_retry_at, worker_id, locked_at,
	idempotency_key, created_at, started_at, completed_at`

func scanExecution(row interface {
	Scan(dest ...any) error
}) (*workflow.Execution, error) {
	var e workflow.Execution
	var inputJSON, outputJSON []byte

	err := row.Scan(
		&e.ID, &e.WorkflowName, &e.WorkflowVersion, &e.Status, &inputJSON, &outputJSON, &e.Error,
		&e.CurrentStepID, &e.RetryCount, &e.NextRetryAt, &e.WorkerID, &e.LockedAt,
		&e.IdempotencyKey, &e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Input, err = unmarshalState(inputJSON)
	if err != nil {
		return nil, err
	}
	e.Output, err = unmarshalState(outputJSON)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) GetExecution(ctx context.Context, id uuid.UUID) (*workflow.Execution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get_execution", err)
	}
	return e, nil
}

func (p *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (*workflow.Execution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE idempotency_key = $1`, key)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("find_by_idempotency_key", err)
	}
	return e, nil
}

// Claim is the atomic-claim primitive (spec §4.2): a single transaction
// selects claimable rows with FOR UPDATE SKIP LOCKED so contending workers
// skip rather than block, then updates exactly those rows to running
// before releasing the lock.
func (p *Postgres) Claim(ctx context.Context, workerID string, batchSize int) ([]*workflow.Execution, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("claim", err)
	}
	defer tx.Rollback()

	const selectQ = `
		SELECT id FROM executions
		WHERE (status = 'pending')
		   OR (status = 'retry_scheduled' AND next_retry_at <= now())
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, selectQ, batchSize)
	if err != nil {
		return nil, wrap("claim", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrap("claim", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrap("claim", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	const updateQ = `
		UPDATE executions
		SET status = 'running',
		    worker_id = $1,
		    locked_at = now(),
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = ANY($2)`

	if _, err := tx.ExecContext(ctx, updateQ, workerID, pq.Array(ids)); err != nil {
		return nil, wrap("claim", err)
	}

	claimed := make([]*workflow.Execution, 0, len(ids))
	claimedRows, err := tx.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ANY($1) ORDER BY created_at ASC`, pq.Array(ids))
	if err != nil {
		return nil, wrap("claim", err)
	}
	for claimedRows.Next() {
		e, err := scanExecution(claimedRows)
		if err != nil {
			claimedRows.Close()
			return nil, wrap("claim", err)
		}
		claimed = append(claimed, e)
	}
	if err := claimedRows.Err(); err != nil {
		claimedRows.Close()
		return nil, wrap("claim", err)
	}
	claimedRows.Close()

	if err := tx.Commit(); err != nil {
		return nil, wrap("claim", err)
	}
	return claimed, nil
}

// UpdateExecution applies a partial, last-writer-wins update. Runners are
// the single owner of a claimed execution for the duration of the claim,
// so no CAS is exposed here (spec §4.1).
func (p *Postgres) UpdateExecution(ctx context.Context, id uuid.UUID, patch Patch) error {
	sets := []string{"updated_at = now()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.Output != nil {
		outputJSON, err := marshalState(patch.Output)
		if err != nil {
			return wrap("update_execution", err)
		}
		sets = append(sets, "output = "+arg(outputJSON))
	}
	switch {
	case patch.ClearError:
		sets = append(sets, "error = NULL")
	case patch.Error != nil:
		sets = append(sets, "error = "+arg(*patch.Error))
	}
	switch {
	case patch.ClearStepID:
		sets = append(sets, "current_step_id = NULL")
	case patch.CurrentStepID != nil:
		sets = append(sets, "current_step_id = "+arg(*patch.CurrentStepID))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = "+arg(*patch.RetryCount))
	}
	switch {
	case patch.ClearNextRetry:
		sets = append(sets, "next_retry_at = NULL")
	case patch.NextRetryAt != nil:
		sets = append(sets, "next_retry_at = "+arg(*patch.NextRetryAt))
	}
	switch {
	case patch.ClearWorkerID:
		sets = append(sets, "worker_id = NULL")
	case patch.WorkerID != nil:
		sets = append(sets, "worker_id = "+arg(*patch.WorkerID))
	}
	switch {
	case patch.ClearLockedAt:
		sets = append(sets, "locked_at = NULL")
	case patch.LockedAt != nil:
		sets = append(sets, "locked_at = "+arg(*patch.LockedAt))
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*patch.CompletedAt))
	}

	if len(sets) == 1 {
		return nil
	}

	q := "UPDATE executions SET "
	for i, s := range sets {
		if i > 0 {
			q += ", "
		}
		q += s
	}
	q += " WHERE id = " + arg(id)

	if _, err := p.db.ExecContext(ctx, q, args...); err != nil {
		return wrap("update_execution", err)
	}
	return nil
}

// Cancel sets status=cancelled and completed_at=now from any non-terminal
// state (spec §5 cancellation semantics).
func (p *Postgres) Cancel(ctx context.Context, id uuid.UUID) error {
	const q = `
		UPDATE executions
		SET status = 'cancelled', completed_at = now(), updated_at = now(),
		    worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	res, err := p.db.ExecContext(ctx, q, id)
	if err != nil {
		return wrap("cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("cancel", err)
	}
	if n == 0 {
		if _, err := p.GetExecution(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) AppendStepResult(ctx context.Context, r *workflow.StepResult) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	outputJSON, err := marshalState(r.Output)
	if err != nil {
		return wrap("append_step_result", err)
	}

	const q = `
		INSERT INTO step_results (
			id, execution_id, step_id, status, output, error, attempt,
			duration_ms, started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`

	_, err = p.db.ExecContext(ctx, q,
		r.ID, r.ExecutionID, r.StepID, r.Status, outputJSON, r.Error, r.Attempt,
		r.DurationMS, r.StartedAt, r.CompletedAt)
	if err != nil {
		return wrap("append_step_result", err)
	}
	return nil
}

func (p *Postgres) StepResultsForExecution(ctx context.Context, executionID uuid.UUID) ([]*workflow.StepResult, error) {
	const q = `
		SELECT id, execution_id, step_id, status, output, error, attempt,
		       duration_ms, started_at, completed_at, created_at
		FROM step_results
		WHERE execution_id = $1
		ORDER BY step_id ASC, attempt ASC`

	rows, err := p.db.QueryContext(ctx, q, executionID)
	if err != nil {
		return nil, wrap("step_results_for_execution", err)
	}
	defer rows.Close()

	var out []*workflow.StepResult
	for rows.Next() {
		var r workflow.StepResult
		var outputJSON []byte
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.StepID, &r.Status, &outputJSON, &r.Error,
			&r.Attempt, &r.DurationMS, &r.StartedAt, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, wrap("step_results_for_execution", err)
		}
		r.Output, err = unmarshalState(outputJSON)
		if err != nil {
			return nil, wrap("step_results_for_execution", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendDLQEntry(ctx context.Context, e *workflow.DLQEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	inputJSON, err := marshalState(e.Input)
	if err != nil {
		return wrap("append_dlq_entry", err)
	}

	const q = `
		INSERT INTO dlq_entries (
			id, execution_id, workflow_name, workflow_version, reason,
			last_error, total_attempts, input, last_step_id, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = p.db.ExecContext(ctx, q,
		e.ID, e.ExecutionID, e.WorkflowName, e.WorkflowVersion, e.Reason,
		e.LastError, e.TotalAttempts, inputJSON, e.LastStepID, e.FailedAt)
	if err != nil {
		return wrap("append_dlq_entry", err)
	}
	return nil
}

func (p *Postgres) ListDLQ(ctx context.Context, limit, offset int) ([]*workflow.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, execution_id, workflow_name, workflow_version, reason,
		       last_error, total_attempts, input, last_step_id, failed_at
		FROM dlq_entries
		ORDER BY failed_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := p.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, wrap("list_dlq", err)
	}
	defer rows.Close()

	var out []*workflow.DLQEntry
	for rows.Next() {
		var e workflow.DLQEntry
		var inputJSON []byte
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.WorkflowName, &e.WorkflowVersion, &e.Reason,
			&e.LastError, &e.TotalAttempts, &inputJSON, &e.LastStepID, &e.FailedAt); err != nil {
			return nil, wrap("list_dlq", err)
		}
		e.Input, err = unmarshalState(inputJSON)
		if err != nil {
			return nil, wrap("list_dlq", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendLog(ctx context.Context, e *workflow.LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var metaJSON []byte
	if e.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return wrap("append_log", err)
		}
	}

	const q = `
		INSERT INTO execution_logs (id, execution_id, step_id, level, message, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx, q, e.ID, e.ExecutionID, e.StepID, e.Level, e.Message, metaJSON, e.Timestamp)
	if err != nil {
		return wrap("append_log", err)
	}
	return nil
}

func (p *Postgres) ListExecutions(ctx context.Context, filter ListFilter) ([]*workflow.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.WorkflowName != "" {
		q += " AND workflow_name = " + arg(filter.WorkflowName)
	}
	if filter.Status != "" {
		q += " AND status = " + arg(filter.Status)
	}
	if filter.CreatedAfter != nil {
		q += " AND created_at >= " + arg(*filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q += " AND created_at <= " + arg(*filter.CreatedBefore)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(filter.Offset)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list_executions", err)
	}
	defer rows.Close()

	var out []*workflow.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, wrap("list_executions", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReleaseStaleClaims is the operator-level sweep described in spec §4.2:
// it runs independently of the per-request hot path and protects against
// worker crashes that leave rows locked.
func (p *Postgres) ReleaseStaleClaims(ctx context.Context, threshold time.Duration) (int64, error) {
	const q = `
		UPDATE executions
		SET status = 'pending', worker_id = NULL, locked_at = NULL, updated_at = now()
		WHERE status = 'running' AND locked_at < $1`

	cutoff := time.Now().UTC().Add(-threshold)
	res, err := p.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, wrap("release_stale_claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("release_stale_claims", err)
	}
	return n, nil
}

func (p *Postgres) UpsertWorker(ctx context.Context, id, hostname string, concurrency int) error {
	const q = `
		INSERT INTO workers (id, hostname, concurrency, status, last_heartbeat, started_at)
		VALUES ($1, $2, $3, 'online', now(), now())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			concurrency = EXCLUDED.concurrency,
			status = 'online',
			last_heartbeat = now()`

	_, err := p.db.ExecContext(ctx, q, id, hostname, concurrency)
	if err != nil {
		return wrap("upsert_worker", err)
	}
	return nil
}

func (p *Postgres) Heartbeat(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = now() WHERE id = $1`, id)
	if err != nil {
		return wrap("heartbeat", err)
	}
	return nil
}

func (p *Postgres) MarkWorkerOffline(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE workers SET status = 'offline' WHERE id = $1`, id)
	if err != nil {
		return wrap("mark_worker_offline", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
