// Package httpapi is the external trigger/control surface spec §6 treats
// as an outer collaborator: submit_event, cancel, get_execution,
// list_executions, list_dlq. Grounded on the teacher's
// internal/api/router.go chi idiom, reimplemented as plain handlers
// instead of the teacher's oapi-codegen surface (that generator can't run
// here — see DESIGN.md).
package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the inbound HTTP surface onto a fresh chi router.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", h.SubmitEvent)
		r.Get("/", h.ListExecutions)
		r.Get("/{executionID}", h.GetExecution)
		r.Post("/{executionID}/cancel", h.Cancel)
	})

	r.Get("/dlq", h.ListDLQ)

	return r
}
