package domain

import (
	"fmt"
	"strings"
)

// EventVersion — текущая версия формата событий.
const EventVersion = "1"

// Суффиксы типов событий шага: "<step>.<kind>".
const (
	EventKindRequested = "requested"
	EventKindStarted   = "started"
	EventKindCompleted = "completed"
	EventKindFailed    = "failed"
)

// Типы событий, не привязанные к шагу.
const (
	// EventObjectFinalized — в хранилище появился новый медиа-объект.
	EventObjectFinalized = "object.finalized"

	// EventRunCompleted — run перешёл в терминальный статус.
	EventRunCompleted = "run.completed"
)

// Режимы симуляции отказа шага (для тестов и демо).
const (
	SimulateRetryableOnce   = "retryable-once"
	SimulateRetryableAlways = "retryable-always"
	SimulatePermanent       = "permanent"
)

// Event — сообщение о ходе pipeline.
//
// Один и тот же формат используется для push-доставки, для сообщений
// в RabbitMQ и для уведомлений ingest-сервиса.
type Event struct {
	Version   string `json:"version"`
	EventType string `json:"event_type"`
	RunID     string `json:"run_id,omitempty"`
	Step      string `json:"step"`

	// Input — входные данные шага (для object.finalized: bucket/name/generation/session_id).
	Input map[string]any `json:"input,omitempty"`

	// Artifacts — результаты шага: ссылки на артефакты и скалярные флаги (hipaa_pass).
	Artifacts map[string]any `json:"artifacts,omitempty"`

	CorrelationID string `json:"correlation_id"`

	// SimulateFailure — режим симуляции отказа (retryable-once, retryable-always, permanent).
	SimulateFailure string `json:"simulate_failure,omitempty"`

	// Attempt — номер попытки доставки шага (для started/failed).
	Attempt int `json:"attempt,omitempty"`

	// Retryable, Exhausted и Error описывают событие "<step>.failed".
	Retryable bool   `json:"retryable,omitempty"`
	Exhausted bool   `json:"exhausted,omitempty"`
	Error     string `json:"error,omitempty"`

	TS string `json:"ts,omitempty"`
}

// Kind возвращает суффикс типа события ("completed", "failed" ...).
func (e *Event) Kind() string {
	i := strings.LastIndexByte(e.EventType, '.')
	if i < 0 {
		return ""
	}
	return e.EventType[i+1:]
}

// Subject возвращает префикс типа события (обычно имя шага).
func (e *Event) Subject() string {
	i := strings.LastIndexByte(e.EventType, '.')
	if i < 0 {
		return e.EventType
	}
	return e.EventType[:i]
}

// StepEventType собирает тип события шага.
func StepEventType(step, kind string) string {
	return step + "." + kind
}

// LocatorArtifacts возвращает только строковые артефакты (ссылки).
// Скалярные флаги в запись шага не попадают.
func (e *Event) LocatorArtifacts() map[string]string {
	if len(e.Artifacts) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Artifacts))
	for k, v := range e.Artifacts {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// SourceFromInput извлекает координаты объекта из input события.
func SourceFromInput(input map[string]any) Source {
	return Source{
		Bucket:     stringField(input, "bucket"),
		Name:       stringField(input, "name"),
		Generation: stringField(input, "generation"),
		SessionID:  stringField(input, "session_id"),
	}
}

// Input возвращает представление Source для input события.
func (s Source) Input() map[string]any {
	in := map[string]any{
		"bucket":     s.Bucket,
		"name":       s.Name,
		"generation": s.Generation,
	}
	if s.SessionID != "" {
		in["session_id"] = s.SessionID
	}
	return in
}

// stringField достаёт строковое поле. Числа (generation в JSON часто число) форматируются.
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
