package interpreter

import (
	"github.com/flowmill/orchestrator/pkg/workflow"
	"github.com/google/uuid"
)

// LogFunc appends one durable log line. The runner wires this to
// store.AppendLog; tests may use an in-memory collector.
type LogFunc func(level, message string, metadata map[string]any)

// Context is the execution context passed to the interpreter and onward to
// handlers: the execution id, the accumulated state (step_id -> output,
// seeded with the execution input under "input"), and a mutable log
// collector (spec §4.4).
type Context struct {
	ExecutionID uuid.UUID
	StepID      string
	State       workflow.State
	Log         LogFunc
}

func (c *Context) log(level, message string, metadata map[string]any) {
	if c.Log == nil {
		return
	}
	c.Log(level, message, metadata)
}
