// Package ingest превращает уведомления о новых медиа-объектах в запуск runs.
//
// Каждое уведомление проходит через шлюз дедупликации: доставка
// at-least-once, и повторное уведомление не должно запускать работу
// второй раз. Допущенное уведомление передаётся оркестратору (POST /run)
// с ограниченным числом повторов и под семафором параллельности.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Scribe/internal/dedup"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/idempotency"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/orchestrator"
)

// ServiceName — имя сервиса в логах и метриках ingress.
const ServiceName = "ingest"

const (
	defaultConcurrency = 8
	defaultPrefetch    = 8
)

// Starter запускает run (Client или оркестратор напрямую).
type Starter interface {
	StartRun(ctx context.Context, req orchestrator.StartRequest, idempotencyKey string) (*orchestrator.StartResult, error)
}

// Service — ingest-сервис.
type Service struct {
	gate           *dedup.Gate
	starter        Starter
	sem            *semaphore.Weighted
	includeSession bool
	now            func() time.Time

	conn     *mq.Connection
	consumer *mq.Consumer
	prefetch int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Service.
type Config struct {
	Gate    *dedup.Gate
	Starter Starter

	// Concurrency — одновременных вызовов оркестратора (default: 8).
	Concurrency int64

	// IncludeSession — учитывать session_id в ключе идемпотентности.
	IncludeSession bool

	// Conn — nil: только push.
	Conn     *mq.Connection
	Prefetch int

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт Service.
func New(cfg Config) *Service {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		gate:           cfg.Gate,
		starter:        cfg.Starter,
		sem:            semaphore.NewWeighted(concurrency),
		includeSession: cfg.IncludeSession,
		now:            now,
		conn:           cfg.Conn,
		prefetch:       prefetch,
		logger:         logger.With("component", "ingest"),
	}
}

// Start запускает consumer очереди events.ingest (если есть подключение).
func (s *Service) Start(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	s.consumer = mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
		Queue:    mq.QueueIngestEvents,
		Handler:  ingress.AMQPHandler(ServiceName, s.HandleNotification, s.logger),
		Prefetch: s.prefetch,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("ingest consumer error", "error", err)
		}
	}()

	s.logger.Info("ingest consumer started", "queue", mq.QueueIngestEvents)
	return nil
}

// Stop останавливает consumer.
func (s *Service) Stop() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.wg.Wait()
}

// PushHandler возвращает HTTP-обработчик push-доставок.
func (s *Service) PushHandler(cfg ingress.PushConfig) *ingress.PushHandler {
	cfg.Service = ServiceName
	cfg.Handle = s.HandleNotification
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	return ingress.NewPushHandler(cfg)
}

// HandleNotification обрабатывает одну доставку уведомления.
//
//	битое уведомление           → перманентная ошибка (ack)
//	дубликат                    → nil (ack)
//	run запущен                 → запись DONE, nil
//	перманентный отказ          → запись FAILED_PERMANENT, ошибка (ack)
//	повторяемый отказ           → lease снят, ошибка (nack, повторная доставка)
func (s *Service) HandleNotification(ctx context.Context, d *ingress.Delivery) error {
	n, err := ParseNotification(d.Data)
	if err != nil {
		return err
	}

	key := idempotency.ForSource(n.Source, s.includeSession)
	logger := s.logger.With(
		"idempotency_key", key,
		"message_id", d.MessageID,
		"bucket", n.Source.Bucket,
		"name", n.Source.Name,
		"generation", n.Source.Generation,
	)

	decision, _, err := s.gate.Admit(ctx, key, dedup.Admission{
		Source:      n.Source,
		MessageID:   d.MessageID,
		PublishTime: d.PublishTime,
	})
	if err != nil {
		return failure.Retryable(fmt.Errorf("dedup admit: %w", err))
	}
	if decision.IsDuplicate() {
		logger.Info("duplicate notification skipped", "decision", decision)
		return nil
	}

	logger.Info("notification admitted", "attempt", d.Attempt)

	if _, simErr := failure.ClassifySimulated(n.SimulateFailure, d.Attempt); simErr != nil {
		return s.settleFailure(ctx, logger, key, simErr)
	}

	start := s.now()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.settleFailure(ctx, logger, key, failure.Retryable(err))
	}
	res, err := s.starter.StartRun(ctx, orchestrator.StartRequest{
		Bucket:        n.Source.Bucket,
		Name:          n.Source.Name,
		Generation:    n.Source.Generation,
		SessionID:     n.Source.SessionID,
		CorrelationID: correlationID(n, d),
	}, key)
	s.sem.Release(1)

	if err != nil {
		return s.settleFailure(ctx, logger, key, err)
	}

	duration := s.now().Sub(start)
	if err := s.gate.Complete(ctx, key, res.RunID, duration); err != nil {
		// run уже запущен; повтор вызовет идемпотентный /run
		return failure.Retryable(fmt.Errorf("dedup complete: %w", err))
	}

	logger.Info("run started",
		"run_id", res.RunID,
		"status", res.Status,
		"created", res.Created,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// settleFailure фиксирует отказ в записи дедупликации и возвращает классифицированную ошибку.
func (s *Service) settleFailure(ctx context.Context, logger *slog.Logger, key string, cause error) error {
	if failure.IsPermanent(cause) {
		logger.Warn("notification failed permanently", "error", cause)
		if err := s.gate.Fail(ctx, key, cause); err != nil {
			return failure.Retryable(fmt.Errorf("dedup fail: %w", err))
		}
		return cause
	}

	logger.Warn("notification failed, will be redelivered", "error", cause)
	if err := s.gate.Release(ctx, key, cause); err != nil {
		logger.Error("failed to release dedup lease", "error", err)
	}
	return cause
}

// correlationID — correlation_id события или message id доставки.
func correlationID(n *Notification, d *ingress.Delivery) string {
	if n.CorrelationID != "" {
		return n.CorrelationID
	}
	return d.MessageID
}
