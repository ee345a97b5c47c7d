// Package interpreter executes a single workflow step with timeout and
// handler dispatch, returning a pure result (spec §4.4). It does not
// retry, does not persist, and does not know about the store — those are
// the execution runner's concerns (pkg/runner).
package interpreter

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/flowmill/orchestrator/pkg/workflow"
)

// DefaultTimeout is the effective timeout used when a step omits
// timeout_ms (spec §4.4 step 1, spec §6 step.default_timeout_ms).
const DefaultTimeout = 60 * time.Second

// Rand is the source used for failureRate injection. Overridable in tests.
var Rand = rand.Float64

// Interpreter dispatches steps to registered handlers.
type Interpreter struct {
	registry *Registry
}

// New builds an interpreter against the given handler registry.
func New(registry *Registry) *Interpreter {
	return &Interpreter{registry: registry}
}

// Outcome is the full result of one ExecuteStep call: the durable
// StepResult plus the successor step id a completed step advances to
// (spec §4.5 step 5 reads this as "result.next").
type Outcome struct {
	Result *workflow.StepResult
	Next   *string
}

// ExecuteStep runs one step to completion, always returning an Outcome
// (never an error) — any handler error, panic, or timeout is converted
// into a failed result. This mirrors spec §4.4's five-step contract.
func (i *Interpreter) ExecuteStep(ctx context.Context, step *workflow.Step, execCtx *Context) Outcome {
	startedAt := time.Now().UTC()

	result := &workflow.StepResult{
		ExecutionID: execCtx.ExecutionID,
		StepID:      step.ID,
		StartedAt:   startedAt,
	}

	finish := func(status workflow.StepStatus, output workflow.State, errMsg *string, next *string) Outcome {
		result.Status = status
		result.Output = output
		result.Error = errMsg
		result.CompletedAt = time.Now().UTC()
		result.DurationMS = result.CompletedAt.Sub(startedAt).Milliseconds()
		return Outcome{Result: result, Next: next}
	}

	// Step 2: optional failure injection, a deliberate test affordance.
	if rate, ok := failureRate(step); ok {
		if Rand() < rate {
			msg := "Simulated random failure"
			return finish(workflow.StepFailed, nil, &msg, nil)
		}
	}

	handler, ok := i.registry.Lookup(step.Type)
	if !ok {
		msg := fmt.Sprintf("Unknown step type: %s", step.Type)
		return finish(workflow.StepFailed, nil, &msg, nil)
	}

	timeout := effectiveTimeout(step)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res HandlerResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := handler.Execute(stepCtx, step, execCtx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			msg := o.err.Error()
			return finish(workflow.StepFailed, nil, &msg, nil)
		}
		next := o.res.Next
		if next == nil {
			next = step.Next
		}
		return finish(workflow.StepCompleted, o.res.Output, nil, next)
	case <-stepCtx.Done():
		msg := fmt.Sprintf("Step timed out after %dms", timeout.Milliseconds())
		return finish(workflow.StepFailed, nil, &msg, nil)
	}
}

func effectiveTimeout(step *workflow.Step) time.Duration {
	if step.TimeoutMS != nil && *step.TimeoutMS > 0 {
		return time.Duration(*step.TimeoutMS) * time.Millisecond
	}
	return DefaultTimeout
}

func failureRate(step *workflow.Step) (float64, bool) {
	if step.Config == nil {
		return 0, false
	}
	raw, ok := step.Config["failureRate"]
	if !ok {
		return 0, false
	}
	rate, ok := raw.(float64)
	if !ok || rate < 0 || rate > 1 {
		return 0, false
	}
	return rate, true
}
