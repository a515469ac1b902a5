package domain

import "time"

// Task — задача доставки шага до step-сервиса.
//
// Task создаётся диспетчером при переходе run к очередному шагу и
// выполняется Worker'ом. Ключ задачи детерминирован ("<step>-<run_id>"),
// поэтому повторная постановка того же шага не создаёт второй задачи.
type Task struct {
	// Key — детерминированное имя задачи.
	Key string `json:"task_key"`

	RunID string `json:"run_id"`
	Step  string `json:"step"`

	// Target — URL task-endpoint step-сервиса.
	Target string `json:"target"`

	// Payload — тело запроса к step-сервису.
	Payload map[string]any `json:"payload,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`

	Status TaskStatus `json:"status"`

	// Attempt — номер попытки (начиная с 1).
	// Увеличивается при каждом захвате задачи воркером.
	Attempt int `json:"attempt"`

	// NotBefore — задача не берётся в работу раньше этого момента (backoff).
	NotBefore time.Time `json:"not_before"`

	// LastStatusCode — HTTP-код последнего ответа step-сервиса.
	LastStatusCode int `json:"last_status_code,omitempty"`

	// Error — текст последней ошибки.
	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Duration возвращает продолжительность последней попытки.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// IsDue возвращает true, если задачу можно брать в работу.
func (t *Task) IsDue(now time.Time) bool {
	return t.Status == TaskStatusQueued && !now.Before(t.NotBefore)
}

// MarkRunning переводит task в статус RUNNING.
func (t *Task) MarkRunning(now time.Time) {
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	t.FinishedAt = nil
	t.UpdatedAt = now
	t.Attempt++
}

// MarkSucceeded переводит task в статус SUCCEEDED.
func (t *Task) MarkSucceeded(statusCode int, now time.Time) {
	t.Status = TaskStatusSucceeded
	t.LastStatusCode = statusCode
	t.Error = ""
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// MarkFailed переводит task в финальный статус FAILED или DEAD.
func (t *Task) MarkFailed(status TaskStatus, statusCode int, err string, now time.Time) {
	t.Status = status
	t.LastStatusCode = statusCode
	t.Error = err
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// ResetForRetry возвращает task в очередь с отложенным стартом.
// Attempt увеличится при следующем MarkRunning().
func (t *Task) ResetForRetry(statusCode int, err string, notBefore, now time.Time) {
	t.Status = TaskStatusQueued
	t.LastStatusCode = statusCode
	t.Error = err
	t.NotBefore = notBefore
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// CanRetry проверяет, можно ли сделать ещё одну попытку.
func (t *Task) CanRetry(maxAttempts int) bool {
	return t.Attempt < maxAttempts
}
