package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/telemetry"
)

const defaultCallTimeout = 30 * time.Second

// Заголовки вызова step-сервиса.
const (
	HeaderTaskKey       = "X-Task-Key"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderAttempt       = "X-Attempt"
)

// Result — результат вызова step-сервиса.
type Result struct {
	StatusCode int
	Class      failure.Class
	Err        error
	Duration   time.Duration
}

// StepClient вызывает task-endpoint step-сервиса.
type StepClient struct {
	http    *http.Client
	tokens  auth.TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// ClientConfig — конфигурация StepClient.
type ClientConfig struct {
	// HTTPClient — опционально (default: http.Client без таймаута, таймаут на запрос).
	HTTPClient *http.Client

	// Tokens — источник bearer-токенов; nil отключает аутентификацию.
	Tokens auth.TokenSource

	// Timeout — таймаут одного вызова (default: 30s).
	Timeout time.Duration

	Logger *slog.Logger
}

// NewStepClient создаёт StepClient.
func NewStepClient(cfg ClientConfig) *StepClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StepClient{
		http:    client,
		tokens:  cfg.Tokens,
		timeout: timeout,
		logger:  logger,
	}
}

// Call отправляет задачу step-сервису и классифицирует ответ.
//
// 409 Conflict означает, что step-сервис уже принял задачу с этим ключом, это успех.
func (c *StepClient) Call(ctx context.Context, task *domain.Task) Result {
	start := time.Now()
	res := c.call(ctx, task)
	res.Duration = time.Since(start)

	telemetry.StepCalls.WithLabelValues(task.Step, string(res.Class)).Inc()
	telemetry.StepCallDuration.WithLabelValues(task.Step).Observe(res.Duration.Seconds())

	return res
}

func (c *StepClient) call(ctx context.Context, task *domain.Task) Result {
	body, err := json.Marshal(task.Payload)
	if err != nil {
		return Result{Class: failure.ClassPermanent, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Target, bytes.NewReader(body))
	if err != nil {
		return Result{Class: failure.ClassPermanent, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTaskKey, task.Key)
	req.Header.Set(HeaderAttempt, strconv.Itoa(task.Attempt))
	if task.CorrelationID != "" {
		req.Header.Set(HeaderCorrelationID, task.CorrelationID)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(task.Target)
		if err != nil {
			return Result{Class: failure.ClassRetryable, Err: fmt.Errorf("mint token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Class: failure.Classify(err), Err: fmt.Errorf("call %s: %w", task.Step, err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusConflict {
		return Result{StatusCode: resp.StatusCode, Class: failure.ClassSuccess}
	}

	class := failure.ClassifyHTTP(resp.StatusCode)
	if class == failure.ClassSuccess {
		return Result{StatusCode: resp.StatusCode, Class: class}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Class:      class,
		Err:        fmt.Errorf("step %s: HTTP %d: %s", task.Step, resp.StatusCode, truncate(string(respBody), 200)),
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
