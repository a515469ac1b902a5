package ingress

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// DefaultMaxBodyBytes — ограничение размера push-запроса.
const DefaultMaxBodyBytes = 1 << 20

// PushConfig — конфигурация push-обработчика.
type PushConfig struct {
	// Service — имя сервиса для логов и метрик.
	Service string

	Handle Handler

	// Verifier — проверка bearer-токена. nil отключает проверку.
	Verifier *auth.Verifier

	MaxBodyBytes int64
	Logger       *slog.Logger
}

// PushHandler принимает push-доставки.
type PushHandler struct {
	cfg    PushConfig
	logger *slog.Logger
}

// NewPushHandler создаёт push-обработчик.
func NewPushHandler(cfg PushConfig) *PushHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHandler{cfg: cfg, logger: logger.With("component", "push")}
}

// ServeHTTP реализует http.Handler.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.cfg.Verifier != nil {
		if _, err := h.cfg.Verifier.VerifyRequest(r); err != nil {
			h.logger.Warn("push rejected", "error", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.logger.Warn("read push body", "error", err)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	d, err := decodeEnvelope(body, headerAttempt(r))
	if err != nil {
		telemetry.IngressOutcomes.WithLabelValues(h.cfg.Service, SourcePush, string(AckPermanent)).Inc()
		h.logger.Error("malformed push envelope", "error", err)
		w.WriteHeader(AckPermanent.HTTPStatus())
		return
	}

	ack := settle(r.Context(), h.logger, h.cfg.Service, d, h.cfg.Handle(r.Context(), d))
	w.WriteHeader(ack.HTTPStatus())
}

// headerAttempt читает номер доставки из заголовка; 0 — заголовка нет.
func headerAttempt(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get(HeaderDeliveryAttempt))
	if err != nil || n < 1 {
		return 0
	}
	return n
}
