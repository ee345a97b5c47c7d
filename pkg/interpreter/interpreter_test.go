package interpreter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/orchestrator/pkg/workflow"
)

func newExecCtx() *Context {
	return &Context{
		ExecutionID: uuid.New(),
		State:       workflow.State{},
		Log:         func(level, message string, metadata map[string]any) {},
	}
}

func TestExecuteStepUnknownType(t *testing.T) {
	interp := New(NewRegistry())
	step := &workflow.Step{ID: "s1", Type: "nonexistent"}

	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())

	require.Equal(t, workflow.StepFailed, outcome.Result.Status)
	assert.Equal(t, "Unknown step type: nonexistent", *outcome.Result.Error)
}

func TestExecuteStepTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slow", HandlerFunc(func(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return HandlerResult{}, nil
		case <-ctx.Done():
			return HandlerResult{}, ctx.Err()
		}
	}))
	interp := New(registry)

	timeoutMS := int64(20)
	step := &workflow.Step{ID: "s1", Type: "slow", TimeoutMS: &timeoutMS}

	start := time.Now()
	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())
	elapsed := time.Since(start)

	require.Equal(t, workflow.StepFailed, outcome.Result.Status)
	assert.Contains(t, *outcome.Result.Error, "timed out after 20ms")
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestExecuteStepHandlerError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("boom", HandlerFunc(func(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error) {
		return HandlerResult{}, assert.AnError
	}))
	interp := New(registry)
	step := &workflow.Step{ID: "s1", Type: "boom"}

	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())

	require.Equal(t, workflow.StepFailed, outcome.Result.Status)
	assert.Equal(t, assert.AnError.Error(), *outcome.Result.Error)
}

func TestExecuteStepHandlerPanicIsRecovered(t *testing.T) {
	registry := NewRegistry()
	registry.Register("panicky", HandlerFunc(func(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error) {
		panic("kaboom")
	}))
	interp := New(registry)
	step := &workflow.Step{ID: "s1", Type: "panicky"}

	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())

	require.Equal(t, workflow.StepFailed, outcome.Result.Status)
	assert.Contains(t, *outcome.Result.Error, "panic: kaboom")
}

func TestExecuteStepCompletedUsesStepNextWhenHandlerOmitsOne(t *testing.T) {
	registry := NewRegistry()
	registry.Register("noop", HandlerFunc(func(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error) {
		return HandlerResult{Output: workflow.State{"ok": true}}, nil
	}))
	interp := New(registry)

	next := "s2"
	step := &workflow.Step{ID: "s1", Type: "noop", Next: &next}

	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())

	require.Equal(t, workflow.StepCompleted, outcome.Result.Status)
	require.NotNil(t, outcome.Next)
	assert.Equal(t, "s2", *outcome.Next)
}

func TestExecuteStepFailureRateInjection(t *testing.T) {
	old := Rand
	defer func() { Rand = old }()

	interp := New(NewRegistry())
	step := &workflow.Step{ID: "s1", Type: "whatever", Config: map[string]any{"failureRate": 1.0}}

	Rand = func() float64 { return 0 } // 0 < 1.0 always triggers
	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())
	require.Equal(t, workflow.StepFailed, outcome.Result.Status)
	assert.Equal(t, "Simulated random failure", *outcome.Result.Error)

	Rand = func() float64 { return 0.999 }
	step.Config["failureRate"] = 0.0
	outcome = interp.ExecuteStep(context.Background(), step, newExecCtx())
	// failureRate 0 never triggers, falls through to unknown-type failure
	// instead, proving injection itself (not the dispatch) was skipped.
	require.Equal(t, workflow.StepFailed, outcome.Result.Status)
	assert.Equal(t, "Unknown step type: whatever", *outcome.Result.Error)
}

func TestExecuteStepAlwaysStampsDuration(t *testing.T) {
	interp := New(NewRegistry())
	step := &workflow.Step{ID: "s1", Type: "missing"}

	outcome := interp.ExecuteStep(context.Background(), step, newExecCtx())
	assert.GreaterOrEqual(t, outcome.Result.DurationMS, int64(0))
	assert.False(t, outcome.Result.CompletedAt.Before(outcome.Result.StartedAt))
}
