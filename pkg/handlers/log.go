// Package handlers implements the built-in step handlers required by
// spec §4.4: log, http, transform, condition, delay. Grounded on the
// teacher's pkg/nodes/* node definitions, generalized from the
// Node/Envelope shape to the plain Handler interface in pkg/interpreter.
package handlers

import (
	"context"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// LogHandler appends a log entry and returns the output {logged: true}.
type LogHandler struct{}

func (LogHandler) Execute(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
	message, _ := step.Config["message"].(string)
	level, _ := step.Config["level"].(string)
	if level == "" {
		level = "info"
	}

	execCtx.Log(level, message, nil)

	return interpreter.HandlerResult{
		Output: workflow.State{"logged": true},
	}, nil
}
