package orchestrator

import (
	"time"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/pipeline"
)

// Переходы run. Все функции чистые: вызываются внутри транзакции
// RunStore.Update и возвращают applied=false, если событие не подходит
// к текущему состоянию (дубликат, старое или чужое событие).

// acceptsEvent проверяет, что событие относится к текущему активному шагу.
func acceptsEvent(run *domain.Run, step string) (*domain.StepRecord, bool) {
	if run.Status.IsTerminal() || run.CurrentStep != step {
		return nil, false
	}
	rec := run.Current()
	if rec == nil || !rec.Status.IsActive() {
		return nil, false
	}
	return rec, true
}

// applyCompleted завершает шаг и переводит run к следующему шагу
// или в терминальный статус.
func applyCompleted(run *domain.Run, def *pipeline.Definition, evt *domain.Event, now time.Time) bool {
	rec, ok := acceptsEvent(run, evt.Step)
	if !ok {
		return false
	}

	rec.MarkDone(evt.LocatorArtifacts(), now)

	decision, err := def.Decide(evt.Step, evt.Artifacts)
	if err != nil {
		run.Fail(err.Error(), now)
		return true
	}

	if decision.Terminal() {
		run.Finish(decision.Outcome, decision.Reason, now)
		return true
	}

	run.AddStep(decision.AdvanceTo, now)
	return true
}

// applyStarted отмечает, что step-сервис начал работу.
func applyStarted(run *domain.Run, evt *domain.Event, attempt int, now time.Time) bool {
	rec, ok := acceptsEvent(run, evt.Step)
	if !ok || (rec.Status == domain.StepStatusProcessing && rec.Attempts >= attempt) {
		return false
	}
	rec.MarkProcessing(attempt, now)
	run.UpdatedAt = now
	return true
}

// applyFailed фиксирует неудачную попытку шага.
// failRun=true переводит run в FAILED с той же причиной.
func applyFailed(run *domain.Run, step string, status domain.StepStatus, attempt int, reason string, failRun bool, now time.Time) bool {
	rec, ok := acceptsEvent(run, step)
	if !ok {
		return false
	}

	rec.MarkFailed(status, attempt, reason, now)
	if failRun {
		run.Fail(reason, now)
	} else {
		run.UpdatedAt = now
	}
	return true
}

// dispatchable возвращает текущий шаг, если его нужно (пере)отправить.
// PENDING — шаг ещё не отправлялся; DISPATCHED — отправка могла не дойти
// до очереди задач, повтор безопасен благодаря детерминированному ключу.
func dispatchable(run *domain.Run) *domain.StepRecord {
	if run.Status.IsTerminal() {
		return nil
	}
	rec := run.Current()
	if rec == nil {
		return nil
	}
	if rec.Status == domain.StepStatusPending || rec.Status == domain.StepStatusDispatched {
		return rec
	}
	return nil
}

// priorArtifacts собирает ссылки на артефакты завершённых шагов.
// Ключ: "<step>.<name>".
func priorArtifacts(run *domain.Run) map[string]string {
	out := make(map[string]string)
	for name, rec := range run.Steps {
		if rec.Status != domain.StepStatusDone {
			continue
		}
		for k, v := range rec.Artifacts {
			out[name+"."+k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
