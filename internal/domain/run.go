package domain

import "time"

// Source — координаты исходного медиа-объекта.
type Source struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
	SessionID  string `json:"session_id,omitempty"`
}

// Locator возвращает адрес объекта в виде gs://bucket/name#generation.
func (s Source) Locator() string {
	loc := "gs://" + s.Bucket + "/" + s.Name
	if s.Generation != "" {
		loc += "#" + s.Generation
	}
	return loc
}

// Run — один проход pipeline для одного исходного объекта.
//
// Run хранится одним документом вместе с записями шагов, поэтому любое
// изменение делается как read-modify-write внутри одной транзакции.
type Run struct {
	// ID — детерминированный ключ идемпотентности (hex sha256).
	ID string `json:"run_id"`

	Source Source `json:"source"`

	// CorrelationID — сквозной идентификатор для логов.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CurrentStep — шаг, который сейчас ожидается (или последний выполненный).
	CurrentStep string `json:"current_step"`

	Status RunStatus `json:"status"`

	// Outcome — итог pipeline, заполняется при переходе в терминальный статус.
	Outcome Outcome `json:"outcome,omitempty"`

	// Error — причина FAILED.
	Error string `json:"error,omitempty"`

	// Steps — записи шагов по имени. Шаг появляется здесь только когда run до него дошёл.
	Steps map[string]*StepRecord `json:"steps"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun создаёт run в статусе CREATED с первым шагом в PENDING.
func NewRun(id string, src Source, correlationID, firstStep string, now time.Time) *Run {
	return &Run{
		ID:            id,
		Source:        src,
		CorrelationID: correlationID,
		CurrentStep:   firstStep,
		Status:        RunStatusCreated,
		Steps: map[string]*StepRecord{
			firstStep: {Name: firstStep, Status: StepStatusPending, UpdatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Step возвращает запись шага или nil.
func (r *Run) Step(name string) *StepRecord {
	if r.Steps == nil {
		return nil
	}
	return r.Steps[name]
}

// Current возвращает запись текущего шага.
func (r *Run) Current() *StepRecord {
	return r.Step(r.CurrentStep)
}

// AddStep добавляет новый шаг в PENDING и делает его текущим.
func (r *Run) AddStep(name string, now time.Time) *StepRecord {
	if r.Steps == nil {
		r.Steps = make(map[string]*StepRecord)
	}
	rec := &StepRecord{Name: name, Status: StepStatusPending, UpdatedAt: now}
	r.Steps[name] = rec
	r.CurrentStep = name
	r.UpdatedAt = now
	return rec
}

// MarkDispatched переводит текущий шаг в DISPATCHED, а run из CREATED в IN_PROGRESS.
// Возвращает false, если шаг уже не в PENDING.
func (r *Run) MarkDispatched(taskKey string, now time.Time) bool {
	step := r.Current()
	if step == nil || step.Status != StepStatusPending {
		return false
	}
	step.Status = StepStatusDispatched
	step.TaskKey = taskKey
	step.UpdatedAt = now
	if r.Status == RunStatusCreated {
		r.Status = RunStatusInProgress
	}
	r.UpdatedAt = now
	return true
}

// Finish переводит run в терминальный статус по итогу pipeline.
func (r *Run) Finish(outcome Outcome, reason string, now time.Time) {
	r.Outcome = outcome
	if outcome == OutcomePass {
		r.Status = RunStatusDone
	} else {
		r.Status = RunStatusFailed
		r.Error = reason
	}
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// Fail завершает run с ошибкой.
func (r *Run) Fail(reason string, now time.Time) {
	r.Finish(OutcomeFail, reason, now)
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}

// StepRecord — состояние одного шага внутри run.
type StepRecord struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`

	// Attempts — число попыток выполнения, известных оркестратору.
	Attempts int `json:"attempts"`

	// TaskKey — детерминированное имя задачи доставки ("<step>-<run_id>").
	TaskKey string `json:"task_key,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Artifacts — ссылки на артефакты (локаторы, не содержимое).
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// Error — последняя ошибка шага.
	Error string `json:"error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// MarkProcessing фиксирует, что step-сервис начал работу.
func (s *StepRecord) MarkProcessing(attempt int, now time.Time) {
	s.Status = StepStatusProcessing
	if attempt > s.Attempts {
		s.Attempts = attempt
	}
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.UpdatedAt = now
}

// MarkDone фиксирует успешное завершение шага.
func (s *StepRecord) MarkDone(artifacts map[string]string, now time.Time) {
	s.Status = StepStatusDone
	s.Artifacts = artifacts
	s.Error = ""
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.CompletedAt = &now
	s.UpdatedAt = now
	if s.Attempts == 0 {
		s.Attempts = 1
	}
}

// MarkFailed фиксирует неудачную попытку. Для FAILED_PERMANENT проставляет CompletedAt.
func (s *StepRecord) MarkFailed(status StepStatus, attempt int, reason string, now time.Time) {
	s.Status = status
	s.Error = reason
	switch {
	case attempt <= 0:
		s.Attempts++
	case attempt > s.Attempts:
		s.Attempts = attempt
	}
	if status == StepStatusFailedPermanent {
		s.CompletedAt = &now
	}
	s.UpdatedAt = now
}
