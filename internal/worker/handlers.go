package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Scribe/internal/dispatcher"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// handleTaskReady обрабатывает уведомление из очереди tasks.ready.
func (w *Worker) handleTaskReady(ctx context.Context, delivery *mq.Delivery) error {
	var payload mq.TaskReadyPayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil || payload.TaskKey == "" {
		// повтор не поможет
		w.logger.Error("invalid task.ready payload", "error", err, "message_id", delivery.MessageID)
		return nil
	}

	w.logger.Debug("received task.ready event", "task_key", payload.TaskKey, "run_id", payload.RunID)

	if err := w.ProcessTask(ctx, payload.TaskKey); err != nil {
		// Ожидаемые ситуации — ack
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTaskNotDue) {
			w.logger.Debug("task not processed", "task_key", payload.TaskKey, "reason", err)
			return nil
		}
		w.logger.Error("failed to process task", "task_key", payload.TaskKey, "error", err)
		return err
	}

	return nil
}

// ProcessTask забирает задачу, доставляет её step-сервису и фиксирует результат.
//
// Задача берётся в работу только из QUEUED с наступившим not_before
// (или из RUNNING с истёкшей арендой), поэтому параллельные воркеры
// не доставят одну попытку дважды.
func (w *Worker) ProcessTask(ctx context.Context, key string) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	task, err := w.claim(ctx, key)
	if err != nil {
		return err
	}

	logger := telemetry.WithTaskKey(telemetry.WithRunID(w.logger, task.RunID), task.Key)
	logger.Info("task started", "step", task.Step, "attempt", task.Attempt)

	w.report(ctx, task, domain.EventKindStarted, func(evt *domain.Event) {})

	if err := w.limiter.Wait(ctx); err != nil {
		return w.release(ctx, task, fmt.Errorf("rate limiter: %w", err))
	}

	res := w.client.Call(ctx, task)
	return w.complete(ctx, task, res)
}

// claim переводит задачу в RUNNING.
func (w *Worker) claim(ctx context.Context, key string) (*domain.Task, error) {
	now := w.now()
	claimed := false

	task, err := w.tasks.Update(ctx, key, func(t *domain.Task) (bool, error) {
		claimed = t.IsDue(now) || w.leaseExpired(t, now)
		if !claimed {
			return false, nil
		}
		t.MarkRunning(now)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, key)
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		return nil, ErrTaskNotDue
	}
	return task, nil
}

// leaseExpired — задача застряла в RUNNING (воркер упал во время вызова).
func (w *Worker) leaseExpired(t *domain.Task, now time.Time) bool {
	return t.Status == domain.TaskStatusRunning && t.StartedAt != nil && now.Sub(*t.StartedAt) > w.leaseTimeout
}

// complete фиксирует результат вызова.
//
//	success   → SUCCEEDED (о завершении шага сообщит сам step-сервис)
//	permanent → FAILED, <step>.failed {retryable: false}
//	retryable → QUEUED с not_before = now + backoff, <step>.failed {retryable: true}
//	            или DEAD + DLQ, если попытки исчерпаны, <step>.failed {exhausted: true}
func (w *Worker) complete(ctx context.Context, task *domain.Task, res dispatcher.Result) error {
	logger := telemetry.WithTaskKey(telemetry.WithRunID(w.logger, task.RunID), task.Key)
	now := w.now()

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	var (
		exhausted bool
		delay     time.Duration
	)
	updated, err := w.tasks.Update(ctx, task.Key, func(t *domain.Task) (bool, error) {
		if t.Status != domain.TaskStatusRunning || t.Attempt != task.Attempt {
			return false, nil
		}
		switch res.Class {
		case failure.ClassSuccess:
			t.MarkSucceeded(res.StatusCode, now)
		case failure.ClassPermanent:
			t.MarkFailed(domain.TaskStatusFailed, res.StatusCode, errMsg, now)
		default:
			if t.CanRetry(w.maxAttempts) {
				delay = calculateBackoff(t.Attempt, w.backoff)
				t.ResetForRetry(res.StatusCode, errMsg, now.Add(delay), now)
			} else {
				exhausted = true
				t.MarkFailed(domain.TaskStatusDead, res.StatusCode, errMsg, now)
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("update task after call: %w", err)
	}
	if updated.Attempt != task.Attempt || updated.Status == domain.TaskStatusRunning {
		logger.Warn("task was reclaimed during call, result dropped", "class", res.Class)
		return nil
	}

	switch {
	case res.Class == failure.ClassSuccess:
		logger.Info("task succeeded", "step", task.Step, "status_code", res.StatusCode, "duration", res.Duration)

	case res.Class == failure.ClassPermanent:
		logger.Warn("task failed permanently", "step", task.Step, "status_code", res.StatusCode, "error", errMsg)
		w.report(ctx, updated, domain.EventKindFailed, func(evt *domain.Event) {
			evt.Retryable = false
			evt.Error = errMsg
		})

	case exhausted:
		logger.Error("task retries exhausted", "step", task.Step, "attempt", updated.Attempt, "error", errMsg)
		if w.publisher != nil {
			if err := w.publisher.PublishDeadTask(ctx, updated); err != nil {
				logger.Warn("failed to publish dead task", "error", err)
			}
		}
		w.report(ctx, updated, domain.EventKindFailed, func(evt *domain.Event) {
			evt.Retryable = true
			evt.Exhausted = true
			evt.Error = errMsg
		})

	default:
		logger.Warn("task will be retried", "step", task.Step, "attempt", updated.Attempt, "delay", delay, "error", errMsg)
		w.report(ctx, updated, domain.EventKindFailed, func(evt *domain.Event) {
			evt.Retryable = true
			evt.Error = errMsg
		})
	}

	return nil
}

// release возвращает задачу в очередь без траты попытки (вызов не состоялся).
func (w *Worker) release(ctx context.Context, task *domain.Task, cause error) error {
	now := w.now()
	_, err := w.tasks.Update(ctx, task.Key, func(t *domain.Task) (bool, error) {
		if t.Status != domain.TaskStatusRunning || t.Attempt != task.Attempt {
			return false, nil
		}
		t.Attempt--
		t.ResetForRetry(t.LastStatusCode, cause.Error(), now, now)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return cause
}

// report публикует событие шага для оркестратора (best effort).
func (w *Worker) report(ctx context.Context, task *domain.Task, kind string, fill func(evt *domain.Event)) {
	if w.publisher == nil {
		return
	}

	evt := &domain.Event{
		Version:       domain.EventVersion,
		EventType:     domain.StepEventType(task.Step, kind),
		RunID:         task.RunID,
		Step:          task.Step,
		CorrelationID: task.CorrelationID,
		Attempt:       task.Attempt,
		TS:            w.now().Format(time.RFC3339Nano),
	}
	fill(evt)

	if err := w.publisher.PublishEvent(ctx, evt); err != nil {
		w.logger.Warn("failed to publish step event",
			"task_key", task.Key,
			"event_type", evt.EventType,
			"error", err,
		)
	}
}
