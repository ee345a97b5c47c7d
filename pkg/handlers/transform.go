package handlers

import (
	"context"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// TransformHandler assembles output by reading dotted paths out of the
// accumulated state. Config: {mapping: {outKey: "dotted.path"}}. Missing
// paths resolve to absent rather than erroring.
type TransformHandler struct{}

func (TransformHandler) Execute(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
	mapping, _ := step.Config["mapping"].(map[string]any)

	output := make(workflow.State, len(mapping))
	for outKey, rawPath := range mapping {
		path, ok := rawPath.(string)
		if !ok {
			continue
		}
		if v, found := execCtx.State.Get(path); found {
			output[outKey] = v
		}
	}

	return interpreter.HandlerResult{Output: output}, nil
}
