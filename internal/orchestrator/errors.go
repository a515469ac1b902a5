package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrInvalidSource — в запросе нет bucket или name.
	ErrInvalidSource = errors.New("source requires bucket and name")

	// ErrUnknownEventType — тип события не поддерживается.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
