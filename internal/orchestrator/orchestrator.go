package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Scribe/internal/dispatcher"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/idempotency"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/pipeline"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// Default configuration values.
const (
	// defaultPrefetch = 1: события одного run обрабатываются по порядку.
	defaultPrefetch = 1
)

// StepDispatcher ставит шаг в очередь задач.
type StepDispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (string, error)
}

// Publisher публикует терминальное событие run.
type Publisher interface {
	PublishRunCompleted(ctx context.Context, evt *domain.Event) error
}

// Orchestrator управляет выполнением runs.
type Orchestrator struct {
	runs       repo.RunStore
	pipeline   *pipeline.Definition
	dispatcher StepDispatcher
	publisher  Publisher

	// MQ
	conn     *mq.Connection
	consumer *mq.Consumer
	prefetch int

	now func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Runs       repo.RunStore
	Pipeline   *pipeline.Definition // nil → pipeline.Default()
	Dispatcher StepDispatcher

	// Publisher — для run.completed. nil отключает публикацию.
	Publisher Publisher

	// Conn — подключение к RabbitMQ. nil: события принимаются только push-запросами.
	Conn     *mq.Connection
	Prefetch int

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	def := cfg.Pipeline
	if def == nil {
		def = pipeline.Default()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		runs:           cfg.Runs,
		pipeline:       def,
		dispatcher:     cfg.Dispatcher,
		publisher:      cfg.Publisher,
		conn:           cfg.Conn,
		prefetch:       prefetch,
		now:            now,
		logger:         logger.With("component", "orchestrator"),
	}
}

// Start запускает consumer очереди events.orchestrator.
// Без подключения к RabbitMQ ничего не делает.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.conn == nil {
		o.logger.Info("orchestrator started without amqp consumer")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.consumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    mq.QueueOrchestratorEvents,
		Handler:  ingress.AMQPHandler("orchestrator", o.HandleDelivery, o.logger),
		Prefetch: o.prefetch,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("event consumer error", "error", err)
		}
	}()

	o.logger.Info("orchestrator started", "queue", mq.QueueOrchestratorEvents, "prefetch", o.prefetch)
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.consumer != nil {
		o.consumer.Stop()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// StartRequest — запрос на запуск pipeline для объекта.
type StartRequest struct {
	Bucket        string `json:"bucket"`
	Name          string `json:"name"`
	Generation    string `json:"generation"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Source возвращает координаты объекта.
func (r StartRequest) Source() domain.Source {
	return domain.Source{Bucket: r.Bucket, Name: r.Name, Generation: r.Generation, SessionID: r.SessionID}
}

// StartResult — ответ на запрос start.
type StartResult struct {
	RunID   string           `json:"run_id"`
	Status  domain.RunStatus `json:"status"`
	Created bool             `json:"created"`
}

// StartRun создаёт run или возвращает существующий.
//
// Повторный запрос с теми же координатами не создаёт второй run. Если
// существующий run не завершён, его текущий шаг отправляется повторно
// (отправка идемпотентна).
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*StartResult, error) {
	if o.IsStopped() {
		return nil, failure.Retryable(ErrOrchestratorStopped)
	}

	src := req.Source()
	if src.Bucket == "" || src.Name == "" {
		return nil, failure.Permanent(ErrInvalidSource)
	}

	runID := idempotency.Derive(src.Bucket, src.Name, src.Generation, src.SessionID)
	logger := telemetry.WithRunID(o.logger, runID)

	run := domain.NewRun(runID, src, req.CorrelationID, o.pipeline.First(), o.now())
	created, current, err := o.runs.Create(ctx, run)
	if err != nil {
		return nil, failure.Retryable(fmt.Errorf("create run: %w", err))
	}

	if created {
		logger.Info("run created", "source", src.Locator(), "correlation_id", req.CorrelationID)
	} else {
		logger.Info("run already exists", "status", current.Status)
	}

	current, err = o.advance(ctx, current)
	if err != nil {
		return nil, err
	}

	return &StartResult{RunID: current.ID, Status: current.Status, Created: created}, nil
}

// GetRun возвращает run по ID.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return o.runs.GetByID(ctx, id)
}

// ListRuns возвращает список runs.
func (o *Orchestrator) ListRuns(ctx context.Context, filter repo.RunFilter) ([]*domain.Run, error) {
	return o.runs.List(ctx, filter)
}

// advance отправляет текущий шаг run, если он ещё не отправлен.
//
// Сначала шаг переводится в DISPATCHED и это фиксируется в хранилище,
// потом ставится задача. Если процесс упадёт между этими действиями,
// повторная доставка события (или повторный start) отправит шаг ещё раз.
func (o *Orchestrator) advance(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	if dispatchable(run) == nil {
		return run, nil
	}

	now := o.now()
	run, err := o.runs.Update(ctx, run.ID, func(r *domain.Run) (bool, error) {
		rec := dispatchable(r)
		if rec == nil || rec.Status != domain.StepStatusPending {
			return false, nil
		}
		return r.MarkDispatched(idempotency.TaskKey(rec.Name, r.ID), now), nil
	})
	if err != nil {
		return nil, failure.Retryable(fmt.Errorf("mark dispatched: %w", err))
	}

	rec := dispatchable(run)
	if rec == nil || rec.Status != domain.StepStatusDispatched {
		return run, nil
	}

	_, err = o.dispatcher.Dispatch(ctx, dispatcher.Request{
		RunID:         run.ID,
		Step:          rec.Name,
		CorrelationID: run.CorrelationID,
		Input:         run.Source.Input(),
		Artifacts:     priorArtifacts(run),
	})
	switch {
	case err == nil, errors.Is(err, dispatcher.ErrAlreadyDispatched):
		return run, nil
	case failure.IsPermanent(err):
		reason := fmt.Sprintf("dispatch %s: %v", rec.Name, err)
		failed, ferr := o.fail(ctx, run.ID, rec.Name, domain.StepStatusFailedPermanent, 0, reason, true)
		if ferr != nil {
			return nil, ferr
		}
		if failed != nil {
			return failed, nil
		}
		return run, nil
	default:
		return nil, err
	}
}

// fail применяет applyFailed и финализирует run, если он стал терминальным.
// Возвращает nil run, если событие не подошло к состоянию.
func (o *Orchestrator) fail(ctx context.Context, runID, step string, status domain.StepStatus, attempt int, reason string, failRun bool) (*domain.Run, error) {
	now := o.now()
	applied := false
	run, err := o.runs.Update(ctx, runID, func(r *domain.Run) (bool, error) {
		applied = applyFailed(r, step, status, attempt, reason, failRun, now)
		return applied, nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		return nil, failure.Retryable(fmt.Errorf("record failure: %w", err))
	}
	if !applied {
		return nil, nil
	}
	if run.Status.IsTerminal() {
		o.finished(ctx, run)
	}
	return run, nil
}

// finished фиксирует метрики и публикует run.completed (best effort).
func (o *Orchestrator) finished(ctx context.Context, run *domain.Run) {
	telemetry.RunsFinished.WithLabelValues(string(run.Status), string(run.Outcome)).Inc()

	logger := telemetry.WithRunID(o.logger, run.ID)
	logger.Info("run finished",
		"status", run.Status,
		"outcome", run.Outcome,
		"error", run.Error,
		"duration", run.Duration(),
	)

	if o.publisher == nil {
		return
	}

	artifacts := map[string]any{
		"status":  string(run.Status),
		"outcome": string(run.Outcome),
	}
	if run.Error != "" {
		artifacts["error"] = run.Error
	}
	evt := &domain.Event{
		Version:       domain.EventVersion,
		EventType:     domain.EventRunCompleted,
		RunID:         run.ID,
		Step:          run.CurrentStep,
		Input:         run.Source.Input(),
		Artifacts:     artifacts,
		CorrelationID: run.CorrelationID,
		TS:            o.now().Format(time.RFC3339Nano),
	}
	if err := o.publisher.PublishRunCompleted(ctx, evt); err != nil {
		logger.Warn("failed to publish run.completed", "error", err)
	}
}
