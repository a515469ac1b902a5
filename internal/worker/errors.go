package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotFound — task не найден в хранилище.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotDue — task не в QUEUED или его время ещё не пришло.
	ErrTaskNotDue = errors.New("task is not due")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)
