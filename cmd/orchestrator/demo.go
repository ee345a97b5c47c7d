package main

import "github.com/flowmill/orchestrator/pkg/workflow"

// demoWorkflows returns the fixture definitions spec §8's end-to-end
// scenarios exercise: demo-workflow (S1) and timeout-workflow (S6).
// A real deployment replaces this with the external definition
// resolver spec §6 names; these exist so 'orchestrator serve' has
// something concrete to submit_event against out of the box.
func demoWorkflows() []*workflow.PinnedDefinition {
	str := func(s string) *string { return &s }

	demo := &workflow.PinnedDefinition{
		Name:    "demo-workflow",
		Version: "v1",
		Steps: []workflow.Step{
			{ID: "log-start", Type: "log", Next: str("fetch-data"),
				Config: map[string]any{"message": "starting demo-workflow"}},
			{ID: "fetch-data", Type: "http", Next: str("shape-output"),
				Config: map[string]any{"url": "https://httpbin.org/get", "method": "GET"}},
			{ID: "shape-output", Type: "transform", Next: str("check-status"),
				Config: map[string]any{"mapping": map[string]any{"status": "fetch-data.statusCode"}}},
			{ID: "check-status", Type: "condition", Next: nil,
				Config: map[string]any{
					"field": "shape-output.status", "operator": "eq", "value": float64(200),
					"onTrue": "log-end", "onFalse": "log-end",
				}},
			{ID: "log-end", Type: "log",
				Config: map[string]any{"message": "demo-workflow complete"}},
		},
	}

	timeout := &workflow.PinnedDefinition{
		Name:    "timeout-workflow",
		Version: "v1",
		Steps: []workflow.Step{
			{ID: "slow-delay", Type: "delay", TimeoutMS: int64Ptr(2000),
				Config: map[string]any{"durationMs": float64(5000)}},
		},
	}

	return []*workflow.PinnedDefinition{demo, timeout}
}

func int64Ptr(v int64) *int64 { return &v }
