// Package ingress разбирает входящие сообщения и переводит результат обработки в подтверждение.
//
// Сообщение приходит либо push-запросом (JSON-конверт с base64 data),
// либо из RabbitMQ (тело = JSON события). В обоих случаях обработчик
// получает Delivery, а его ошибка переводится в Ack:
//
//	nil                  → AckSuccess   (HTTP 204 / ack)
//	перманентная ошибка  → AckPermanent (HTTP 204 / ack, запись в лог)
//	повторяемая ошибка   → NackRetry    (HTTP 500 / nack с requeue)
package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
)

// Источники доставки.
const (
	SourcePush = "push"
	SourceAMQP = "amqp"
)

// Envelope — push-конверт.
type Envelope struct {
	Message         PushMessage `json:"message"`
	Subscription    string      `json:"subscription,omitempty"`
	DeliveryAttempt int         `json:"deliveryAttempt,omitempty"`
}

// PushMessage — сообщение внутри конверта.
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Delivery — декодированная доставка, общая для push и AMQP.
type Delivery struct {
	MessageID   string
	PublishTime string

	// Attempt — номер доставки (1 — первая).
	Attempt int

	// Source — push или amqp.
	Source string

	// Data — тело события (JSON).
	Data []byte
}

// Event декодирует и проверяет событие из Data.
func (d *Delivery) Event() (*domain.Event, error) {
	return DecodeEvent(d.Data)
}

// Handler обрабатывает доставку. Ошибка классифицируется пакетом failure.
type Handler func(ctx context.Context, d *Delivery) error

// HeaderDeliveryAttempt — номер доставки, который push-отправитель
// передаёт заголовком, если не заполняет deliveryAttempt в конверте.
const HeaderDeliveryAttempt = "X-Goog-Delivery-Attempt"

// DecodeEnvelope разбирает push-конверт.
// Любая ошибка разбора оборачивает failure.ErrMalformed.
func DecodeEnvelope(body []byte) (*Delivery, error) {
	return decodeEnvelope(body, 1)
}

// decodeEnvelope разбирает конверт; fallbackAttempt используется,
// если в конверте нет deliveryAttempt.
func decodeEnvelope(body []byte, fallbackAttempt int) (*Delivery, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", failure.ErrMalformed, err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: envelope: missing message.data", failure.ErrMalformed)
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: data is not base64: %v", failure.ErrMalformed, err)
	}

	attempt := env.DeliveryAttempt
	if attempt <= 0 {
		attempt = max(1, fallbackAttempt)
	}

	return &Delivery{
		MessageID:   env.Message.MessageID,
		PublishTime: env.Message.PublishTime,
		Attempt:     attempt,
		Source:      SourcePush,
		Data:        data,
	}, nil
}

// EncodeEnvelope собирает push-конверт для события (используется CLI и тестами).
func EncodeEnvelope(evt *domain.Event, messageID string, attempt int) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(Envelope{
		Message: PushMessage{
			Data:      base64.StdEncoding.EncodeToString(data),
			MessageID: messageID,
		},
		DeliveryAttempt: attempt,
	})
}
