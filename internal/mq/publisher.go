package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Scribe/internal/domain"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// TaskReadyPayload — тело сообщения tasks.ready.
type TaskReadyPayload struct {
	TaskKey string `json:"task_key"`
	RunID   string `json:"run_id"`
}

// Publish публикует JSON-тело. orderingKey попадает в заголовок x-ordering-key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, orderingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if orderingKey != "" {
		msg.Headers = amqp.Table{HeaderOrderingKey: orderingKey}
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
			msg,
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.MessageId,
		)
		return nil
	})
}

// PublishEvent публикует событие pipeline в scribe.events с ключом = типом события.
// Потребители: Orchestrator (шаговые события), Ingest (object.finalized).
func (p *Publisher) PublishEvent(ctx context.Context, evt *domain.Event) error {
	if evt.TS == "" {
		evt.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return p.Publish(ctx, ExchangeEvents, RoutingKey(evt.EventType), evt.RunID, evt)
}

// PublishTaskReady сообщает воркеру о новой задаче.
// Потребитель: Worker.
func (p *Publisher) PublishTaskReady(ctx context.Context, taskKey, runID string) error {
	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, runID, TaskReadyPayload{TaskKey: taskKey, RunID: runID})
}

// PublishRunCompleted публикует run.completed во внешний fanout.
func (p *Publisher) PublishRunCompleted(ctx context.Context, evt *domain.Event) error {
	if evt.TS == "" {
		evt.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return p.Publish(ctx, ExchangeNotifications, "", evt.RunID, evt)
}

// PublishDeadTask отправляет исчерпавшую попытки задачу в DLQ.
func (p *Publisher) PublishDeadTask(ctx context.Context, task *domain.Task) error {
	return p.Publish(ctx, ExchangeDLQ, RoutingKeyDLQTasks, task.RunID, task)
}
