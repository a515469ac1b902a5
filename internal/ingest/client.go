package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// Заголовки запроса к оркестратору.
const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// Default configuration values.
const (
	defaultTimeout     = 15 * time.Second
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffCap  = 5 * time.Second
	defaultRetryBudget = 30 * time.Second
)

// Client запускает runs через POST /run оркестратора.
//
// Повторяемые ответы (5xx, 429, сетевые ошибки) повторяются с
// full-jitter экспоненциальным backoff, пока не кончатся попытки или
// общий бюджет времени. 4xx — перманентная ошибка без повторов.
type Client struct {
	baseURL     string
	http        *http.Client
	tokens      auth.TokenSource
	audience    string
	maxAttempts int
	base        time.Duration
	cap         time.Duration
	budget      time.Duration
	logger      *slog.Logger
}

// ClientConfig — конфигурация Client.
type ClientConfig struct {
	// URL — базовый адрес оркестратора.
	URL string

	HTTPClient *http.Client

	// Tokens — nil отключает аутентификацию.
	Tokens   auth.TokenSource
	Audience string // default: URL

	Timeout     time.Duration // таймаут одной попытки (default: 15s)
	MaxRetries  int           // повторов после первой попытки
	BackoffBase time.Duration // default: 200ms
	BackoffCap  time.Duration // default: 5s
	RetryBudget time.Duration // общий бюджет (default: 30s)

	Logger *slog.Logger
}

// NewClient создаёт Client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}

	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	backoffCap = max(backoffCap, base)

	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}

	audience := cfg.Audience
	if audience == "" {
		audience = cfg.URL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		http:        httpClient,
		tokens:      cfg.Tokens,
		audience:    audience,
		maxAttempts: max(1, cfg.MaxRetries+1),
		base:        base,
		cap:         backoffCap,
		budget:      budget,
		logger:      logger,
	}
}

// StartRun запускает run и возвращает ответ оркестратора.
// Ошибки классифицированы (failure.Permanent / failure.Retryable).
func (c *Client) StartRun(ctx context.Context, req orchestrator.StartRequest, idempotencyKey string) (*orchestrator.StartResult, error) {
	if c.baseURL == "" {
		return nil, failure.Permanent(ErrNoOrchestrator)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	token := ""
	if c.tokens != nil {
		token, err = c.tokens.Token(c.audience)
		if err != nil {
			return nil, failure.Retryable(fmt.Errorf("mint token: %w", err))
		}
	}

	deadline := time.Now().Add(c.budget)
	for attempt := 1; ; attempt++ {
		res, class, err := c.post(ctx, body, req.CorrelationID, idempotencyKey, token)
		telemetry.OrchestratorCalls.WithLabelValues(string(class)).Inc()

		switch class {
		case failure.ClassSuccess:
			return res, nil
		case failure.ClassPermanent:
			return nil, failure.Permanent(err)
		}

		if attempt >= c.maxAttempts {
			return nil, failure.Retryable(err)
		}

		wait := c.backoff(attempt)
		if time.Now().Add(wait).After(deadline) {
			return nil, failure.Retryable(fmt.Errorf("%w: %w", ErrBudgetExhausted, err))
		}

		c.logger.Warn("orchestrator call failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
			"correlation_id", req.CorrelationID,
			"idempotency_key", idempotencyKey,
		)

		select {
		case <-ctx.Done():
			return nil, failure.Retryable(ctx.Err())
		case <-time.After(wait):
		}
	}
}

// post выполняет одну попытку.
func (c *Client) post(ctx context.Context, body []byte, correlationID, idempotencyKey, token string) (*orchestrator.StartResult, failure.Class, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, failure.ClassPermanent, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	if correlationID != "" {
		httpReq.Header.Set(HeaderCorrelationID, correlationID)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, failure.ClassRetryable, fmt.Errorf("orchestrator network: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	class := failure.ClassifyHTTP(resp.StatusCode)
	if class != failure.ClassSuccess {
		return nil, class, fmt.Errorf("orchestrator %d: %s", resp.StatusCode, truncate(string(respBody), 2048))
	}

	var result orchestrator.StartResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		// run запущен, ответ не разобрать
		c.logger.Warn("unreadable orchestrator response", "error", err)
	}
	return &result, failure.ClassSuccess, nil
}

// backoff — full jitter: случайная задержка в [0, min(cap, base*2^(attempt-1))].
func (c *Client) backoff(attempt int) time.Duration {
	ceiling := c.base
	for i := 1; i < attempt && ceiling < c.cap; i++ {
		ceiling *= 2
	}
	if ceiling > c.cap {
		ceiling = c.cap
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
