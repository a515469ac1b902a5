package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
// Возвращает error, если сообщение нужно доставить повторно (nack с requeue).
// nil — сообщение подтверждается.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Body — тело сообщения.
	Body []byte

	// MessageID и Timestamp — свойства AMQP-сообщения.
	MessageID string
	Timestamp time.Time

	// OrderingKey — значение заголовка x-ordering-key.
	OrderingKey string

	// Attempt — номер доставки, начиная с 1.
	Attempt int

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// newDelivery разбирает свойства AMQP сообщения.
func newDelivery(raw amqp.Delivery) *Delivery {
	d := &Delivery{
		Body:      raw.Body,
		MessageID: raw.MessageId,
		Timestamp: raw.Timestamp,
		Attempt:   deliveryAttempt(raw),
		Raw:       raw,
	}
	if v, ok := raw.Headers[HeaderOrderingKey].(string); ok {
		d.OrderingKey = v
	}
	return d
}

// deliveryAttempt вычисляет номер доставки.
// Quorum queues передают x-delivery-count (число предыдущих доставок).
func deliveryAttempt(raw amqp.Delivery) int {
	switch v := raw.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if raw.Redelivered {
		return 2
	}
	return 1
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	// 1 сохраняет порядок обработки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    string(cfg.Queue),
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start запускает потребление сообщений. Блокируется до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
		} else {
			c.logger.Info("consumer started", "queue", c.queue)
			c.processDeliveries(ctx, deliveries)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		// канал закрыт или не открылся, ждём переподключения
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
			c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
		}
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// processDeliveries обрабатывает сообщения, пока канал открыт.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed", "queue", c.queue)
				return
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	d := newDelivery(raw)

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", d.MessageID,
		"attempt", d.Attempt,
	)

	if err := c.handler(ctx, d); err != nil {
		c.logger.Warn("handler failed, requeue",
			"queue", c.queue,
			"message_id", d.MessageID,
			"attempt", d.Attempt,
			"error", err,
		)
		// после x-delivery-limit брокер сам отправит сообщение в DLQ
		_ = raw.Nack(false, true)
		return
	}

	_ = raw.Ack(false)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}
