package handlers

import "github.com/flowmill/orchestrator/pkg/interpreter"

// RegisterBuiltins seeds a registry with the five built-in step handlers
// spec §4.4 requires to always be present. Custom handlers are added the
// same way via registry.Register(type, handler).
func RegisterBuiltins(registry *interpreter.Registry) {
	registry.Register("log", LogHandler{})
	registry.Register("http", HTTPHandler{})
	registry.Register("transform", TransformHandler{})
	registry.Register("condition", ConditionHandler{})
	registry.Register("delay", DelayHandler{})
}
