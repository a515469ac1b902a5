package domain

import "time"

// IngestionRecord — запись дедупликации входящего уведомления о новом объекте.
//
// Ключ записи — ключ идемпотентности (тот же, что run_id).
type IngestionRecord struct {
	Key    string          `json:"key"`
	Source Source          `json:"source"`
	Status IngestionStatus `json:"status"`

	// Attempts — сколько раз уведомление было допущено к обработке.
	Attempts int `json:"attempts"`

	// MessageID и PublishTime — метаданные последней доставки.
	MessageID   string `json:"message_id,omitempty"`
	PublishTime string `json:"publish_time,omitempty"`

	// LeaseExpiresAt — до этого момента PROCESSING-запись считается занятой.
	LeaseExpiresAt time.Time `json:"lease_expires_at"`

	// ExpiresAt — момент, после которого терминальную запись можно удалить (TTL).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// RunID — run, запущенный по этому уведомлению.
	RunID string `json:"run_id,omitempty"`

	// DurationMs — длительность последней обработки.
	DurationMs int64 `json:"duration_ms,omitempty"`

	LastError string `json:"last_error,omitempty"`

	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
}

// LeaseActive возвращает true, если PROCESSING-запись ещё удерживается.
func (r *IngestionRecord) LeaseActive(now time.Time) bool {
	return r.Status == IngestionStatusProcessing && now.Before(r.LeaseExpiresAt)
}
