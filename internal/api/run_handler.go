package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// Ограничения списка runs.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartRun создаёт run или возвращает существующий.
// POST /run
//
// Ответ без обёртки data: {run_id, status, created}. 200 и для нового run,
// и для повторного запроса.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Bucket == "" || req.Name == "" {
		BadRequest(w, "bucket and name are required")
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = r.Header.Get(HeaderCorrelationID)
	}

	logger := telemetry.FromContext(r.Context())

	res, err := h.orch.StartRun(r.Context(), req.ToOrchestrator())
	if err != nil {
		HandleClassifiedError(w, logger, err)
		return
	}

	JSON(w, http.StatusOK, res)
}

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?status=...&limit=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{Limit: defaultListLimit}

	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = domain.RunStatus(status)
		switch filter.Status {
		case domain.RunStatusCreated, domain.RunStatusInProgress, domain.RunStatusDone, domain.RunStatusFailed:
		default:
			BadRequest(w, "invalid status")
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	runs, err := h.orch.ListRuns(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run, false)
	}

	List(w, result, len(result))
}

// GetRun возвращает run вместе с записями шагов.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.GetRun(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(run, true))
}

// ListRunTasks возвращает задачи доставки шагов run.
// GET /api/v1/runs/{id}/tasks
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.GetRun(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	resp := RunFromDomain(run, true)
	result := make([]TaskResponse, 0, len(resp.Steps))
	for _, step := range resp.Steps {
		if step.TaskKey == "" {
			continue
		}
		task, err := h.tasks.GetByKey(r.Context(), step.TaskKey)
		if err != nil {
			if repo.IsNotFound(err) {
				continue
			}
			InternalError(w, h.logger, err)
			return
		}
		result = append(result, TaskFromDomain(task))
	}

	List(w, result, len(result))
}
