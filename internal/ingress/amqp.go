package ingress

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Scribe/internal/mq"
)

// AMQPHandler адаптирует Handler к консьюмеру RabbitMQ.
// Ошибку наружу возвращает только NackRetry: консьюмер сделает nack с requeue.
func AMQPHandler(service string, handle Handler, logger *slog.Logger) mq.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "amqp")

	return func(ctx context.Context, msg *mq.Delivery) error {
		d := &Delivery{
			MessageID: msg.MessageID,
			Attempt:   msg.Attempt,
			Source:    SourceAMQP,
			Data:      msg.Body,
		}
		if !msg.Timestamp.IsZero() {
			d.PublishTime = msg.Timestamp.UTC().Format(time.RFC3339Nano)
		}

		err := handle(ctx, d)
		if settle(ctx, logger, service, d, err) == NackRetry {
			return err
		}
		return nil
	}
}
