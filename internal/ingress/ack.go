package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// Ack — способ подтверждения доставки.
type Ack string

const (
	// AckSuccess — обработано (включая дубликаты и устаревшие события).
	AckSuccess Ack = "success"

	// AckPermanent — обработать невозможно, повтор не поможет. Сообщение подтверждается.
	AckPermanent Ack = "permanent"

	// NackRetry — временный сбой, нужна повторная доставка.
	NackRetry Ack = "retry"
)

// AckFor переводит результат обработчика в Ack.
func AckFor(err error) Ack {
	switch failure.Classify(err) {
	case failure.ClassSuccess:
		return AckSuccess
	case failure.ClassPermanent:
		return AckPermanent
	default:
		return NackRetry
	}
}

// HTTPStatus возвращает код ответа push-доставки.
// 2xx подтверждает сообщение, 5xx просит повторить.
func (a Ack) HTTPStatus() int {
	if a == NackRetry {
		return http.StatusInternalServerError
	}
	return http.StatusNoContent
}

// settle вычисляет Ack, пишет лог и метрику.
func settle(ctx context.Context, logger *slog.Logger, service string, d *Delivery, err error) Ack {
	ack := AckFor(err)
	telemetry.IngressOutcomes.WithLabelValues(service, d.Source, string(ack)).Inc()

	attrs := []any{
		"service", service,
		"source", d.Source,
		"message_id", d.MessageID,
		"attempt", d.Attempt,
		"outcome", string(ack),
	}

	switch ack {
	case AckSuccess:
		logger.DebugContext(ctx, "message processed", attrs...)
	case AckPermanent:
		level := slog.LevelWarn
		if errors.Is(err, failure.ErrMalformed) || errors.Is(err, failure.ErrValidation) {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "message dropped", append(attrs, "error", err)...)
	default:
		logger.WarnContext(ctx, "message will be redelivered", append(attrs, "error", err)...)
	}

	return ack
}

// AckStatus — HTTP-код подтверждения для результата обработчика.
func AckStatus(err error) int {
	return AckFor(err).HTTPStatus()
}
