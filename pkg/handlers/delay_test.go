package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

func TestDelayHandlerSleepsAndCompletes(t *testing.T) {
	execCtx := &interpreter.Context{State: workflow.State{}}
	step := &workflow.Step{Type: "delay", Config: map[string]any{"durationMs": float64(20)}}

	start := time.Now()
	res, err := DelayHandler{}.Execute(context.Background(), step, execCtx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Equal(t, true, res.Output["delayed"])
}

func TestDelayHandlerHonorsContextCancellation(t *testing.T) {
	execCtx := &interpreter.Context{State: workflow.State{}}
	step := &workflow.Step{Type: "delay", Config: map[string]any{"durationMs": float64(5000)}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := DelayHandler{}.Execute(ctx, step, execCtx)
	require.Error(t, err)
}
