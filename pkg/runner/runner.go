// Package runner implements the execution runner (spec §4.5): a
// resumable, checkpointed loop that advances one claimed execution
// through its pinned definition, persisting after each step and honoring
// cancellation, retry, and DLQ policy. Grounded on the teacher's
// pkg/execution/worker.go step-execution flow, restructured around
// single-successor checkpointed stepping instead of a queue-fanout model.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/retry"
	"github.com/flowmill/orchestrator/pkg/store"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// DefinitionResolver is the outbound collaborator spec §6 requires:
// resolve(name, version) -> an already-validated PinnedDefinition. The
// core never validates definitions itself.
type DefinitionResolver interface {
	Resolve(ctx context.Context, name, version string) (*workflow.PinnedDefinition, error)
}

// RetryDefaults fill in a step's retry policy when it omits one (spec §6
// retry.default_*).
type RetryDefaults struct {
	MaxAttempts int
	BaseDelayMS int64
	Multiplier  float64
	MaxDelayMS  int64
}

// DefaultRetryDefaults match spec §6's table exactly.
var DefaultRetryDefaults = RetryDefaults{
	MaxAttempts: 3,
	BaseDelayMS: 1000,
	Multiplier:  retry.DefaultMultiplier,
	MaxDelayMS:  30000,
}

// Runner advances claimed executions. It holds no per-execution state
// across Run calls — the persisted current_step_id is the only resume
// anchor, matching spec §5's "no application-level locks span step
// boundaries."
type Runner struct {
	Store       store.Store
	Interpreter *interpreter.Interpreter
	Resolver    DefinitionResolver
	Defaults    RetryDefaults
}

// Run is the method a worker invokes after claiming an execution (spec
// §4.5). The claim primitive has already set status=running; Run reloads
// the execution for its resume point and walks the graph one step at a
// time, checkpointing before and after each step.
func (r *Runner) Run(ctx context.Context, executionID uuid.UUID) error {
	exec, err := r.Store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("runner: load execution: %w", err)
	}

	def, err := r.Resolver.Resolve(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("runner: resolve definition: %w", err)
	}

	var cursor *string
	if exec.CurrentStepID != nil {
		cursor = exec.CurrentStepID
	} else if entry := def.EntryPoint(); entry != nil {
		cursor = &entry.ID
	}

	state := workflow.State{"input": exec.Input}.Merge(exec.Output)

	for cursor != nil {
		step := def.StepByID(*cursor)
		if step == nil {
			return r.fail(ctx, exec, def, *cursor, state, fmt.Sprintf("unknown step id: %s", *cursor), 0)
		}

		if cancelled, err := r.checkCancelled(ctx, executionID); err != nil {
			return err
		} else if cancelled {
			return nil
		}

		if err := r.Store.UpdateExecution(ctx, executionID, store.Patch{CurrentStepID: &step.ID}); err != nil {
			return fmt.Errorf("runner: checkpoint resume pointer: %w", err)
		}

		execCtx := &interpreter.Context{
			ExecutionID: executionID,
			StepID:      step.ID,
			State:       state,
			Log: func(level, message string, metadata map[string]any) {
				_ = r.Store.AppendLog(ctx, &workflow.LogEntry{
					ExecutionID: executionID,
					StepID:      step.ID,
					Level:       level,
					Message:     message,
					Metadata:    metadata,
					Timestamp:   time.Now().UTC(),
				})
			},
		}

		outcome := r.Interpreter.ExecuteStep(ctx, step, execCtx)

		// The in-flight step's result is appended regardless of a
		// cancellation observed while it ran, for auditability (spec §9
		// open question, resolved in favor of persisting it).
		attempt := exec.RetryCount + 1
		outcome.Result.Attempt = attempt
		if err := r.Store.AppendStepResult(ctx, outcome.Result); err != nil {
			return fmt.Errorf("runner: append step result: %w", err)
		}

		if cancelled, err := r.checkCancelled(ctx, executionID); err != nil {
			return err
		} else if cancelled {
			return nil
		}

		if outcome.Result.Status == workflow.StepCompleted {
			state = state.Clone()
			state[step.ID] = outcome.Result.Output

			if err := r.Store.UpdateExecution(ctx, executionID, store.Patch{
				Output:         state,
				RetryCount:     intPtr(0),
				ClearNextRetry: true,
				ClearError:     true,
			}); err != nil {
				return fmt.Errorf("runner: persist step output: %w", err)
			}

			exec.RetryCount = 0
			cursor = outcome.Next
			continue
		}

		// Failed.
		maxAttempts := r.Defaults.MaxAttempts
		baseDelay := r.Defaults.BaseDelayMS
		multiplier := r.Defaults.Multiplier
		maxDelay := r.Defaults.MaxDelayMS
		if step.RetryPolicy != nil {
			if step.RetryPolicy.MaxAttempts > 0 {
				maxAttempts = step.RetryPolicy.MaxAttempts
			}
			if step.RetryPolicy.BaseDelayMS > 0 {
				baseDelay = step.RetryPolicy.BaseDelayMS
			}
			if step.RetryPolicy.BackoffMultiplier > 0 {
				multiplier = step.RetryPolicy.BackoffMultiplier
			}
			if step.RetryPolicy.MaxDelayMS > 0 {
				maxDelay = step.RetryPolicy.MaxDelayMS
			}
		}

		errMsg := ""
		if outcome.Result.Error != nil {
			errMsg = *outcome.Result.Error
		}

		if attempt < maxAttempts {
			delayMS := retry.NextDelay(attempt, baseDelay, maxDelay, multiplier)
			nextRetryAt := time.Now().UTC().Add(time.Duration(delayMS) * time.Millisecond)
			status := workflow.StatusRetryScheduled

			if err := r.Store.UpdateExecution(ctx, executionID, store.Patch{
				Status:        &status,
				RetryCount:    intPtr(attempt),
				NextRetryAt:   &nextRetryAt,
				Error:         &errMsg,
				CurrentStepID: &step.ID,
				ClearWorkerID: true,
				ClearLockedAt: true,
			}); err != nil {
				return fmt.Errorf("runner: schedule retry: %w", err)
			}
			return nil
		}

		return r.fail(ctx, exec, def, step.ID, state, errMsg, attempt)
	}

	status := workflow.StatusCompleted
	now := time.Now().UTC()
	if err := r.Store.UpdateExecution(ctx, executionID, store.Patch{
		Status:        &status,
		Output:        state,
		CompletedAt:   &now,
		ClearStepID:   true,
		ClearWorkerID: true,
		ClearLockedAt: true,
	}); err != nil {
		return fmt.Errorf("runner: persist completion: %w", err)
	}
	return nil
}

// fail is the fatal-failure path (spec §4.5): status=failed, a DLQ
// entry, and the worker released. The step-defined on_error successor is
// deliberately not honored here — see DESIGN.md's open-question decision.
func (r *Runner) fail(ctx context.Context, exec *workflow.Execution, def *workflow.PinnedDefinition, lastStepID string, state workflow.State, errMsg string, totalAttempts int) error {
	status := workflow.StatusFailed
	now := time.Now().UTC()

	if err := r.Store.UpdateExecution(ctx, exec.ID, store.Patch{
		Status:        &status,
		Error:         &errMsg,
		Output:        state,
		CompletedAt:   &now,
		ClearWorkerID: true,
		ClearLockedAt: true,
	}); err != nil {
		return fmt.Errorf("runner: persist terminal failure: %w", err)
	}

	return r.Store.AppendDLQEntry(ctx, &workflow.DLQEntry{
		ExecutionID:     exec.ID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Reason:          "retry budget exhausted",
		LastError:       errMsg,
		TotalAttempts:   totalAttempts,
		Input:           exec.Input,
		LastStepID:      lastStepID,
		FailedAt:        now,
	})
}

// checkCancelled re-reads the execution and reports whether it has been
// cancelled, appending the cooperative-cancellation log entry spec §4.5
// requires.
func (r *Runner) checkCancelled(ctx context.Context, executionID uuid.UUID) (bool, error) {
	exec, err := r.Store.GetExecution(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("runner: re-read execution: %w", err)
	}
	if exec.Status != workflow.StatusCancelled {
		return false, nil
	}
	_ = r.Store.AppendLog(ctx, &workflow.LogEntry{
		ExecutionID: executionID,
		Level:       "info",
		Message:     "execution cancelled; runner exiting without further mutation",
		Timestamp:   time.Now().UTC(),
	})
	return true, nil
}

func intPtr(v int) *int { return &v }
