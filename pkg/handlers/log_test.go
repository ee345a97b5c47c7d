package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

func TestLogHandler(t *testing.T) {
	var gotLevel, gotMessage string
	execCtx := &interpreter.Context{
		State: workflow.State{},
		Log: func(level, message string, metadata map[string]any) {
			gotLevel = level
			gotMessage = message
		},
	}
	step := &workflow.Step{Type: "log", Config: map[string]any{"message": "hello"}}

	res, err := LogHandler{}.Execute(context.Background(), step, execCtx)

	require.NoError(t, err)
	assert.Equal(t, "info", gotLevel)
	assert.Equal(t, "hello", gotMessage)
	assert.Equal(t, true, res.Output["logged"])
}

func TestLogHandlerCustomLevel(t *testing.T) {
	var gotLevel string
	execCtx := &interpreter.Context{
		State: workflow.State{},
		Log:   func(level, message string, metadata map[string]any) { gotLevel = level },
	}
	step := &workflow.Step{Type: "log", Config: map[string]any{"message": "x", "level": "warn"}}

	_, err := LogHandler{}.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "warn", gotLevel)
}
