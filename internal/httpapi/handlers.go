package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowmill/orchestrator/pkg/runner"
	"github.com/flowmill/orchestrator/pkg/store"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// Handlers implements the spec §6 inbound contract against a Store and a
// definition resolver.
type Handlers struct {
	Store    store.Store
	Resolver runner.DefinitionResolver
}

type submitEventRequest struct {
	WorkflowName   string         `json:"workflow_name"`
	WorkflowVersion string        `json:"workflow_version,omitempty"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type submitEventResponse struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Status      workflow.Status `json:"status"`
}

// SubmitEvent implements submit_event(workflow_name, input,
// idempotency_key?) -> {execution_id, status} (spec §6).
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowName == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	def, err := h.Resolver.Resolve(r.Context(), req.WorkflowName, req.WorkflowVersion)
	if err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "failed to resolve workflow definition")
		return
	}

	exec, err := h.Store.CreateExecution(r.Context(), store.WorkflowRef{Name: def.Name, Version: def.Version}, workflow.State(req.Input), req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create execution")
		return
	}

	writeJSON(w, http.StatusAccepted, submitEventResponse{ExecutionID: exec.ID, Status: exec.Status})
}

// Cancel implements cancel(execution_id) -> ok | conflict.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	if err := h.Store.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "execution not found")
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "execution already in a terminal state")
		default:
			writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executionDetail struct {
	*workflow.Execution
	StepResults []*workflow.StepResult `json:"step_results"`
}

// GetExecution implements get_execution(execution_id) -> Execution +
// StepResults.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	exec, err := h.Store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}

	results, err := h.Store.StepResultsForExecution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load step results")
		return
	}

	writeJSON(w, http.StatusOK, executionDetail{Execution: exec, StepResults: results})
}

// ListExecutions implements list_executions(filters).
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		WorkflowName: q.Get("workflow_name"),
		Status:       workflow.Status(q.Get("status")),
	}
	if v := q.Get("created_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &t
		}
	}
	if v := q.Get("created_before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedBefore = &t
		}
	}

	execs, err := h.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

// ListDLQ implements list_dlq().
func (h *Handlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListDLQ(r.Context(), 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead-letter entries")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
