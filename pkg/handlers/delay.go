package handlers

import (
	"context"
	"time"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// DelayHandler sleeps for config.durationMs. A delay whose duration
// exceeds the step's effective timeout is abandoned by the interpreter's
// timeout race and surfaces as a timed-out failure (spec §4.4), not as a
// completed result — this handler itself only needs to honor ctx so the
// abandoned sleep doesn't outlive the process.
type DelayHandler struct{}

func (DelayHandler) Execute(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
	durationMS, _ := step.Config["durationMs"].(float64)

	timer := time.NewTimer(time.Duration(durationMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return interpreter.HandlerResult{}, ctx.Err()
	}

	return interpreter.HandlerResult{
		Output: workflow.State{"delayed": true},
	}, nil
}
