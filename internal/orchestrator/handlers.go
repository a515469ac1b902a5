package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// HandleDelivery — ingress.Handler для push и AMQP доставок.
func (o *Orchestrator) HandleDelivery(ctx context.Context, d *ingress.Delivery) error {
	evt, err := d.Event()
	if err != nil {
		return err
	}
	return o.HandleEvent(ctx, evt, d.Attempt)
}

// HandleEvent обрабатывает событие pipeline.
//
// attempt — номер доставки события. Возвращённая ошибка классифицирована:
// повторяемая означает "доставить ещё раз", всё остальное подтверждается.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt *domain.Event, attempt int) error {
	if evt.Step == "" {
		evt.Step = evt.Subject()
	}
	logger := telemetry.WithEvent(o.logger, evt.RunID, evt.Step, evt.CorrelationID, evt.EventType)
	logger.Debug("event received", "attempt", attempt)

	if evt.RunID == "" {
		if evt.EventType != domain.EventObjectFinalized && evt.Kind() != domain.EventKindRequested {
			logger.Warn("event without run_id ignored")
			return nil
		}
		return o.handleStart(ctx, evt)
	}

	switch {
	case evt.EventType == domain.EventRunCompleted:
		return nil
	case !o.pipeline.Has(evt.Step):
		logger.Warn("event for unknown step ignored")
		return nil
	}

	var err error
	switch evt.Kind() {
	case domain.EventKindCompleted:
		err = o.handleCompleted(ctx, evt, attempt)
	case domain.EventKindStarted:
		err = o.handleStarted(ctx, evt, attempt)
	case domain.EventKindFailed:
		err = o.handleFailed(ctx, evt, attempt)
	case domain.EventKindRequested:
		err = o.resume(ctx, evt.RunID)
	default:
		return failure.Permanent(fmt.Errorf("%w: %s", ErrUnknownEventType, evt.EventType))
	}

	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("event for unknown run ignored")
		return nil
	}
	return err
}

// handleStart создаёт run по событию без run_id (object.finalized или первый запрос шага).
func (o *Orchestrator) handleStart(ctx context.Context, evt *domain.Event) error {
	src := domain.SourceFromInput(evt.Input)
	_, err := o.StartRun(ctx, StartRequest{
		Bucket:        src.Bucket,
		Name:          src.Name,
		Generation:    src.Generation,
		SessionID:     src.SessionID,
		CorrelationID: evt.CorrelationID,
	})
	return err
}

// handleCompleted обрабатывает "<step>.completed".
func (o *Orchestrator) handleCompleted(ctx context.Context, evt *domain.Event, attempt int) error {
	logger := telemetry.WithEvent(o.logger, evt.RunID, evt.Step, evt.CorrelationID, evt.EventType)

	class, simErr := failure.ClassifySimulated(evt.SimulateFailure, attempt)
	if class != failure.ClassSuccess {
		status, failRun := domain.StepStatusFailedRetryable, false
		if class == failure.ClassPermanent {
			status, failRun = domain.StepStatusFailedPermanent, true
		}
		logger.Warn("simulated failure", "class", class, "attempt", attempt)

		run, err := o.fail(ctx, evt.RunID, evt.Step, status, attempt, simErr.Error(), failRun)
		if err != nil {
			return err
		}
		if run == nil {
			// событие не относится к текущему шагу: подтверждаем без повтора
			logger.Info("out-of-order completion ignored")
			return nil
		}
		return simErr
	}

	now := o.now()
	applied := false
	run, err := o.runs.Update(ctx, evt.RunID, func(r *domain.Run) (bool, error) {
		applied = applyCompleted(r, o.pipeline, evt, now)
		return applied, nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return failure.Retryable(fmt.Errorf("apply completion: %w", err))
	}

	if !applied {
		logger.Info("out-of-order completion ignored",
			"current_step", run.CurrentStep,
			"run_status", run.Status,
		)
		_, err := o.advance(ctx, run)
		return err
	}

	logger.Info("step completed", "next_step", run.CurrentStep, "run_status", run.Status)

	if run.Status.IsTerminal() {
		o.finished(ctx, run)
		return nil
	}

	_, err = o.advance(ctx, run)
	return err
}

// handleStarted обрабатывает "<step>.started".
func (o *Orchestrator) handleStarted(ctx context.Context, evt *domain.Event, attempt int) error {
	if evt.Attempt > 0 {
		attempt = evt.Attempt
	}

	now := o.now()
	applied := false
	_, err := o.runs.Update(ctx, evt.RunID, func(r *domain.Run) (bool, error) {
		applied = applyStarted(r, evt, attempt, now)
		return applied, nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return failure.Retryable(fmt.Errorf("apply started: %w", err))
	}

	if !applied {
		o.logger.Debug("stale started event ignored", "run_id", evt.RunID, "step", evt.Step)
	}
	return nil
}

// handleFailed обрабатывает "<step>.failed" от воркера.
//
//	retryable=false           → шаг FAILED_PERMANENT, run FAILED
//	retryable, exhausted=true → шаг FAILED_RETRYABLE, run FAILED ("retries exhausted")
//	retryable                 → шаг FAILED_RETRYABLE, run продолжается
func (o *Orchestrator) handleFailed(ctx context.Context, evt *domain.Event, attempt int) error {
	if evt.Attempt > 0 {
		attempt = evt.Attempt
	}

	reason := evt.Error
	if reason == "" {
		reason = evt.Step + " failed"
	}

	status := domain.StepStatusFailedRetryable
	failRun := false
	switch {
	case !evt.Retryable:
		status = domain.StepStatusFailedPermanent
		failRun = true
	case evt.Exhausted:
		reason = "retries exhausted: " + reason
		failRun = true
	}

	run, err := o.fail(ctx, evt.RunID, evt.Step, status, attempt, reason, failRun)
	if err != nil {
		return err
	}
	if run == nil {
		o.logger.Debug("stale failed event ignored", "run_id", evt.RunID, "step", evt.Step)
	}
	return nil
}

// resume повторно отправляет текущий шаг run.
func (o *Orchestrator) resume(ctx context.Context, runID string) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return failure.Retryable(fmt.Errorf("get run: %w", err))
	}
	_, err = o.advance(ctx, run)
	return err
}
