// Package dispatcher ставит шаги run в очередь доставки и вызывает step-сервисы.
//
// Dispatcher создаёт задачу с детерминированным ключом "<step>-<run_id>",
// поэтому повторная постановка того же шага не порождает второй вызов.
// StepClient выполняет аутентифицированный вызов task-endpoint.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/idempotency"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// Ошибки диспетчера.
var (
	// ErrAlreadyDispatched — задача с этим ключом уже существует. Для вызывающего это успех.
	ErrAlreadyDispatched = errors.New("step already dispatched")

	// ErrNoTarget — для шага не настроен URL step-сервиса.
	ErrNoTarget = errors.New("no target configured for step")
)

// TaskQueue — очередь задач (repo.TaskStore).
type TaskQueue interface {
	Enqueue(ctx context.Context, task *domain.Task) (bool, error)
}

// Notifier будит воркер сразу после постановки задачи.
type Notifier interface {
	PublishTaskReady(ctx context.Context, taskKey, runID string) error
}

// Request — запрос на выполнение шага.
type Request struct {
	RunID         string
	Step          string
	CorrelationID string

	// Input — координаты исходного объекта.
	Input map[string]any

	// Artifacts — ссылки на артефакты предыдущих шагов.
	Artifacts map[string]string
}

// Dispatcher ставит шаги в очередь доставки.
type Dispatcher struct {
	queue    TaskQueue
	notifier Notifier
	targets  map[string]string
	now      func() time.Time
	logger   *slog.Logger
}

// Config — конфигурация Dispatcher.
type Config struct {
	Queue TaskQueue

	// Notifier — опционально; без него задачи подбираются polling'ом воркера.
	Notifier Notifier

	// Targets — URL task-endpoint по имени шага.
	Targets map[string]string

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		targets:  cfg.Targets,
		now:      now,
		logger:   logger,
	}
}

// Dispatch ставит шаг в очередь и возвращает ключ задачи.
//
// ErrAlreadyDispatched означает, что задача уже была поставлена раньше.
// Ошибки классифицированы: нет target — перманентная, сбой хранилища — повторяемая.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	key := idempotency.TaskKey(req.Step, req.RunID)
	logger := telemetry.WithTaskKey(telemetry.WithRunID(d.logger, req.RunID), key)

	target, ok := d.targets[req.Step]
	if !ok || target == "" {
		telemetry.Dispatches.WithLabelValues(req.Step, "error").Inc()
		return key, failure.Permanent(ErrNoTarget)
	}

	now := d.now()
	task := &domain.Task{
		Key:           key,
		RunID:         req.RunID,
		Step:          req.Step,
		Target:        target,
		Payload:       payload(key, req),
		CorrelationID: req.CorrelationID,
		Status:        domain.TaskStatusQueued,
		NotBefore:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := d.queue.Enqueue(ctx, task)
	if err != nil {
		telemetry.Dispatches.WithLabelValues(req.Step, "error").Inc()
		return key, failure.Retryable(err)
	}
	if !created {
		telemetry.Dispatches.WithLabelValues(req.Step, "duplicate").Inc()
		logger.Info("dispatch conflict, task already exists", "step", req.Step)
		return key, ErrAlreadyDispatched
	}

	telemetry.Dispatches.WithLabelValues(req.Step, "enqueued").Inc()
	logger.Info("step dispatched", "step", req.Step, "target", target)

	if d.notifier != nil {
		// задача уже в хранилище, воркер найдёт её polling'ом
		if err := d.notifier.PublishTaskReady(ctx, key, req.RunID); err != nil {
			logger.Warn("failed to publish task.ready", "error", err)
		}
	}

	return key, nil
}

// payload — тело запроса к step-сервису.
func payload(key string, req Request) map[string]any {
	p := map[string]any{
		"version":        domain.EventVersion,
		"task_key":       key,
		"run_id":         req.RunID,
		"step":           req.Step,
		"correlation_id": req.CorrelationID,
	}
	if req.Input != nil {
		p["input"] = req.Input
	}
	if len(req.Artifacts) > 0 {
		p["artifacts"] = req.Artifacts
	}
	return p
}
