package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
)

// Orchestrator — операции оркестратора, доступные через API.
type Orchestrator interface {
	StartRun(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error)
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter repo.RunFilter) ([]*domain.Run, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orch   Orchestrator
	tasks  repo.TaskStore
	push   http.Handler
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Orchestrator Orchestrator

	// Tasks — для GET /api/v1/runs/{id}/tasks. nil отключает маршрут.
	Tasks repo.TaskStore

	// Push — обработчик POST /events/push. nil отключает маршрут.
	Push http.Handler

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:   cfg.Orchestrator,
		tasks:  cfg.Tasks,
		push:   cfg.Push,
		logger: logger,
	}
}
