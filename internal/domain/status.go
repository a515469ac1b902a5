package domain

// RunStatus — статус run.
//
// Жизненный цикл:
//
//	CREATED → IN_PROGRESS → DONE
//	                      ↘ FAILED
type RunStatus string

const (
	// RunStatusCreated — run создан, первый шаг ещё не отправлен.
	RunStatusCreated RunStatus = "CREATED"

	// RunStatusInProgress — хотя бы один шаг отправлен на выполнение.
	RunStatusInProgress RunStatus = "IN_PROGRESS"

	// RunStatusDone — pipeline пройден до конца.
	RunStatusDone RunStatus = "DONE"

	// RunStatusFailed — run завершился неудачей (перманентная ошибка или провал аудита).
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// StepStatus — статус шага внутри run.
//
// Жизненный цикл:
//
//	PENDING → DISPATCHED → PROCESSING → DONE
//	                     ↘ FAILED_RETRYABLE → PROCESSING ...
//	                     ↘ FAILED_PERMANENT
type StepStatus string

const (
	StepStatusPending         StepStatus = "PENDING"
	StepStatusDispatched      StepStatus = "DISPATCHED"
	StepStatusProcessing      StepStatus = "PROCESSING"
	StepStatusDone            StepStatus = "DONE"
	StepStatusFailedRetryable StepStatus = "FAILED_RETRYABLE"
	StepStatusFailedPermanent StepStatus = "FAILED_PERMANENT"
)

// IsActive возвращает true, если шаг ждёт результата от step-сервиса.
// Только для активного шага принимается completion.
func (s StepStatus) IsActive() bool {
	switch s {
	case StepStatusDispatched, StepStatusProcessing, StepStatusFailedRetryable:
		return true
	default:
		return false
	}
}

// IsTerminal возвращает true, если шаг больше не изменится.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusDone || s == StepStatusFailedPermanent
}

// IngestionStatus — статус записи дедупликации.
type IngestionStatus string

const (
	// IngestionStatusProcessing — уведомление принято в работу (есть lease).
	IngestionStatusProcessing IngestionStatus = "PROCESSING"

	// IngestionStatusDone — run успешно запущен.
	IngestionStatusDone IngestionStatus = "DONE"

	// IngestionStatusFailedPermanent — обработка невозможна, повторять не нужно.
	IngestionStatusFailedPermanent IngestionStatus = "FAILED_PERMANENT"
)

// IsTerminal возвращает true для DONE и FAILED_PERMANENT.
func (s IngestionStatus) IsTerminal() bool {
	return s == IngestionStatusDone || s == IngestionStatusFailedPermanent
}

// TaskStatus — статус задачи доставки шага.
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → SUCCEEDED
//	                 ↘ QUEUED (retry с not_before)
//	                 ↘ FAILED (перманентная ошибка)
//	                 ↘ DEAD (retry исчерпаны, ушла в DLQ)
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusDead      TaskStatus = "DEAD"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusDead:
		return true
	default:
		return false
	}
}

// Outcome — итог прохождения pipeline.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)
