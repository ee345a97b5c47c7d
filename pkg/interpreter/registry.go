package interpreter

import (
	"context"
	"sync"

	"github.com/flowmill/orchestrator/pkg/workflow"
)

// HandlerResult is what a step handler produces: the output to merge into
// state, and the successor step id (nil means workflow end, or that the
// caller should fall back to step.Next).
type HandlerResult struct {
	Output workflow.State
	Next   *string
}

// Handler executes one step type. Handlers must be written defensively:
// the interpreter races a timer against Execute and abandons the handler
// if the timer wins, so any in-flight I/O may continue in the background
// (spec §9). Handlers should honor ctx's deadline/cancellation where
// possible.
type Handler interface {
	Execute(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error)

func (f HandlerFunc) Execute(ctx context.Context, step *workflow.Step, execCtx *Context) (HandlerResult, error) {
	return f(ctx, step, execCtx)
}

// Registry is a process-wide, read-mostly type-tag -> handler mapping
// (spec §4.6). Lookup is O(1). Registration after workers have started is
// permitted and need not be atomic with in-flight executions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry seeded with no handlers; callers
// typically follow with RegisterBuiltins from pkg/handlers.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for a step type.
func (r *Registry) Register(stepType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stepType] = h
}

// Lookup returns the handler registered for stepType, if any.
func (r *Registry) Lookup(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}
