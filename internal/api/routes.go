package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		CorrelationID(h.logger),
		Logging(h.logger),
	)

	// Pipeline
	mux.Handle("POST /run", chain(http.HandlerFunc(h.StartRun)))
	if h.push != nil {
		mux.Handle("POST /events/push", chain(h.push))
	}

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	if h.tasks != nil {
		mux.Handle("GET /api/v1/runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))
	}
}
