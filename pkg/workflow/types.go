// Package workflow holds the data model shared by the store, interpreter,
// runner and worker pool: executions, step results, DLQ entries, and the
// pinned workflow definitions the engine executes against.
package workflow

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s is one of the statuses an Execution never
// leaves once reached.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the outcome of a single step attempt.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// State is the heterogeneous value tree that flows between steps: a
// mapping from step id to that step's output, seeded with the execution
// input under the "input" key. Dotted-path traversal (used by the
// transform and condition handlers) walks this tree.
type State map[string]any

// Merge returns a new State with other's keys layered on top of s. Neither
// input is mutated.
func (s State) Merge(other State) State {
	out := make(State, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Get traverses s by a dotted path (e.g. "fetch-data.body.id"), walking
// through nested map[string]any and []any values. It returns (nil, false)
// if any segment is absent — used by the transform and condition
// handlers, which must resolve missing paths to absent rather than error.
func (s State) Get(path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = map[string]any(s)
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case State:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Execution is one run of a PinnedDefinition against a specific input.
type Execution struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	WorkflowName      string     `json:"workflow_name" db:"workflow_name"`
	WorkflowVersion   string     `json:"workflow_version" db:"workflow_version"`
	Status            Status     `json:"status" db:"status"`
	Input             State      `json:"input" db:"input"`
	Output            State      `json:"output" db:"output"`
	Error             *string    `json:"error,omitempty" db:"error"`
	CurrentStepID     *string    `json:"current_step_id,omitempty" db:"current_step_id"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	WorkerID          *string    `json:"worker_id,omitempty" db:"worker_id"`
	LockedAt          *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	IdempotencyKey    *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// StepResult is one attempt of one step within an execution. Append-only:
// attempts are numbered 1, 2, 3... per (execution, step) pair and never
// overwritten.
type StepResult struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	ExecutionID uuid.UUID  `json:"execution_id" db:"execution_id"`
	StepID      string     `json:"step_id" db:"step_id"`
	Status      StepStatus `json:"status" db:"status"`
	Output      State      `json:"output,omitempty" db:"output"`
	Error       *string    `json:"error,omitempty" db:"error"`
	Attempt     int        `json:"attempt" db:"attempt"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt time.Time  `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// DLQEntry is an append-only record of a terminally failed execution.
type DLQEntry struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ExecutionID     uuid.UUID `json:"execution_id" db:"execution_id"`
	WorkflowName    string    `json:"workflow_name" db:"workflow_name"`
	WorkflowVersion string    `json:"workflow_version" db:"workflow_version"`
	Reason          string    `json:"reason" db:"reason"`
	LastError       string    `json:"last_error" db:"last_error"`
	TotalAttempts   int       `json:"total_attempts" db:"total_attempts"`
	Input           State     `json:"input" db:"input"`
	LastStepID      string    `json:"last_step_id" db:"last_step_id"`
	FailedAt        time.Time `json:"failed_at" db:"failed_at"`
}

// LogEntry is one durable log line collected while executing a step.
type LogEntry struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	ExecutionID uuid.UUID      `json:"execution_id" db:"execution_id"`
	StepID      string         `json:"step_id" db:"step_id"`
	Level       string         `json:"level" db:"level"`
	Message     string         `json:"message" db:"message"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"metadata"`
	Timestamp   time.Time      `json:"timestamp" db:"timestamp"`
}

// RetryPolicy governs how a failing step is retried.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BaseDelayMS       int64   `json:"base_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMS        int64   `json:"max_delay_ms"`
}

// Step is one node in a workflow definition's graph.
type Step struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config,omitempty"`
	Next        *string        `json:"next,omitempty"`
	OnError     *string        `json:"on_error,omitempty"`
	TimeoutMS   *int64         `json:"timeout_ms,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty"`
}

// PinnedDefinition is a validated, version-pinned workflow graph, resolved
// by an external collaborator (see spec §6) before the core ever sees it.
type PinnedDefinition struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Steps   []Step `json:"steps"`
}

// EntryPoint returns the first step in the definition.
func (d *PinnedDefinition) EntryPoint() *Step {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}

// StepByID returns the step with the given id, or nil if absent.
func (d *PinnedDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate checks the structural invariants spec §6 requires of an
// already-resolved definition: at least one step, unique ids, and
// next/on_error references that resolve within the definition.
func (d *PinnedDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return errNoSteps
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return errEmptyStepID
		}
		if _, dup := seen[s.ID]; dup {
			return &ValidationError{Message: "duplicate step id: " + s.ID}
		}
		seen[s.ID] = struct{}{}
	}
	for _, s := range d.Steps {
		if s.Next != nil {
			if _, ok := seen[*s.Next]; !ok {
				return &ValidationError{Message: "step " + s.ID + " next references unknown step " + *s.Next}
			}
		}
		if s.OnError != nil {
			if _, ok := seen[*s.OnError]; !ok {
				return &ValidationError{Message: "step " + s.ID + " on_error references unknown step " + *s.OnError}
			}
		}
	}
	return nil
}

// ValidationError is a definition-layer error: rejected before the core
// is entered (spec §7).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	errNoSteps     = &ValidationError{Message: "workflow definition has no steps"}
	errEmptyStepID = &ValidationError{Message: "step has an empty id"}
)
