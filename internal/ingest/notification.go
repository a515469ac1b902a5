package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/ingress"
)

// Notification — уведомление о новом медиа-объекте.
type Notification struct {
	Source          domain.Source
	CorrelationID   string
	SimulateFailure string
}

// objectResource — уведомление хранилища объектов в исходном виде.
type objectResource struct {
	Bucket     string         `json:"bucket"`
	Name       string         `json:"name"`
	Generation any            `json:"generation"`
	Metadata   map[string]any `json:"metadata"`
}

// ParseNotification разбирает payload доставки.
//
// Поддерживаются два формата: событие object.finalized (с input) и
// ресурс объекта как его присылает хранилище (bucket/name/generation/metadata).
// Все ошибки перманентны.
func ParseNotification(data []byte) (*Notification, error) {
	var probe map[string]any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrMalformed, err)
	}

	var n Notification
	if _, ok := probe["event_type"]; ok {
		evt, err := ingress.DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		n = Notification{
			Source:          domain.SourceFromInput(evt.Input),
			CorrelationID:   evt.CorrelationID,
			SimulateFailure: evt.SimulateFailure,
		}
	} else {
		var obj objectResource
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", failure.ErrMalformed, err)
		}
		n.Source = domain.SourceFromInput(map[string]any{
			"bucket":     obj.Bucket,
			"name":       obj.Name,
			"generation": obj.Generation,
			"session_id": obj.Metadata["session_id"],
		})
		if mode, ok := obj.Metadata["simulate_failure"].(string); ok {
			n.SimulateFailure = mode
		}
	}

	if n.Source.Bucket == "" || n.Source.Name == "" || n.Source.Generation == "" {
		return nil, failure.Permanent(fmt.Errorf("%w: %w", failure.ErrValidation, ErrMissingFields))
	}
	return &n, nil
}
