package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/dedup"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/idempotency"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
)

// --- ParseNotification ---

func TestParseNotification_Event(t *testing.T) {
	data := []byte(`{
		"version": "1",
		"event_type": "object.finalized",
		"step": "ingest",
		"correlation_id": "corr-1",
		"input": {"bucket": "b", "name": "r.wav", "generation": "7", "session_id": "s1"},
		"simulate_failure": "permanent"
	}`)

	n, err := ParseNotification(data)
	require.NoError(t, err)
	assert.Equal(t, domain.Source{Bucket: "b", Name: "r.wav", Generation: "7", SessionID: "s1"}, n.Source)
	assert.Equal(t, "corr-1", n.CorrelationID)
	assert.Equal(t, "permanent", n.SimulateFailure)
}

func TestParseNotification_ObjectResource(t *testing.T) {
	data := []byte(`{"bucket": "b", "name": "r.wav", "generation": 1712, "metadata": {"session_id": "s1"}}`)

	n, err := ParseNotification(data)
	require.NoError(t, err)
	assert.Equal(t, "1712", n.Source.Generation)
	assert.Equal(t, "s1", n.Source.SessionID)
	assert.Empty(t, n.SimulateFailure)
}

func TestParseNotification_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing generation", `{"bucket": "b", "name": "r.wav"}`},
		{"missing bucket", `{"name": "r.wav", "generation": "1"}`},
		{"event without required fields", `{"event_type": "object.finalized"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNotification([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, failure.IsPermanent(err), "expected permanent, got %v", err)
		})
	}
}

// --- Service ---

type fakeStarter struct {
	mu    sync.Mutex
	calls []orchestrator.StartRequest
	keys  []string
	errs  []error
}

func (s *fakeStarter) StartRun(_ context.Context, req orchestrator.StartRequest, key string) (*orchestrator.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	s.keys = append(s.keys, key)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &orchestrator.StartResult{RunID: key, Status: domain.RunStatusInProgress, Created: true}, nil
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type serviceFixture struct {
	store   repo.IngestionStore
	starter *fakeStarter
	svc     *Service
}

func newServiceFixture(errs ...error) *serviceFixture {
	store := repo.NewMemory().Ingestions
	starter := &fakeStarter{errs: errs}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	return &serviceFixture{
		store:   store,
		starter: starter,
		svc: New(Config{
			Gate:           dedup.New(dedup.Config{Store: store, Now: clock}),
			Starter:        starter,
			IncludeSession: true,
			Now:            clock,
		}),
	}
}

func delivery(data string, attempt int) *ingress.Delivery {
	return &ingress.Delivery{
		MessageID:   "msg-1",
		PublishTime: "2026-03-01T12:00:00Z",
		Attempt:     attempt,
		Source:      ingress.SourcePush,
		Data:        []byte(data),
	}
}

const objectJSON = `{"bucket": "b", "name": "r.wav", "generation": "7", "metadata": {"session_id": "s1"}}`

func TestHandleNotification_StartsRunOnce(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	key := idempotency.Derive("b", "r.wav", "7", "s1")

	require.NoError(t, f.svc.HandleNotification(ctx, delivery(objectJSON, 1)))
	require.NoError(t, f.svc.HandleNotification(ctx, delivery(objectJSON, 2)))

	assert.Equal(t, 1, f.starter.count())
	assert.Equal(t, key, f.starter.keys[0])
	assert.Equal(t, "msg-1", f.starter.calls[0].CorrelationID)

	rec, err := f.store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionStatusDone, rec.Status)
	assert.Equal(t, key, rec.RunID)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.NotNil(t, rec.ExpiresAt)
}

func TestHandleNotification_ConcurrentDuplicates(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.HandleNotification(ctx, delivery(objectJSON, 1)))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.starter.count())
}

func TestHandleNotification_Malformed(t *testing.T) {
	f := newServiceFixture()

	err := f.svc.HandleNotification(context.Background(), delivery(`{"bucket": "b"}`, 1))
	require.Error(t, err)
	assert.Equal(t, ingress.AckPermanent, ingress.AckFor(err))
	assert.Zero(t, f.starter.count())
}

func TestHandleNotification_PermanentFailure(t *testing.T) {
	f := newServiceFixture(failure.Permanentf("orchestrator 400: bad request"))
	ctx := context.Background()
	key := idempotency.Derive("b", "r.wav", "7", "s1")

	err := f.svc.HandleNotification(ctx, delivery(objectJSON, 1))
	require.Error(t, err)
	assert.Equal(t, http.StatusNoContent, ingress.AckStatus(err))

	rec, err := f.store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionStatusFailedPermanent, rec.Status)
	assert.Contains(t, rec.LastError, "400")

	// повторная доставка не вызывает оркестратор
	require.NoError(t, f.svc.HandleNotification(ctx, delivery(objectJSON, 2)))
	assert.Equal(t, 1, f.starter.count())
}

func TestHandleNotification_RetryableFailure(t *testing.T) {
	f := newServiceFixture(failure.Retryablef("orchestrator 503"))
	ctx := context.Background()
	key := idempotency.Derive("b", "r.wav", "7", "s1")

	err := f.svc.HandleNotification(ctx, delivery(objectJSON, 1))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, ingress.AckStatus(err))

	rec, err := f.store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionStatusProcessing, rec.Status)

	// lease снят, повторная доставка допускается
	require.NoError(t, f.svc.HandleNotification(ctx, delivery(objectJSON, 2)))
	assert.Equal(t, 2, f.starter.count())

	rec, err = f.store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionStatusDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestHandleNotification_SimulatedFailure(t *testing.T) {
	withMode := func(mode string) string {
		return `{"bucket": "b", "name": "r.wav", "generation": "7", "metadata": {"simulate_failure": "` + mode + `"}}`
	}

	t.Run("retryable-once", func(t *testing.T) {
		f := newServiceFixture()
		err := f.svc.HandleNotification(context.Background(), delivery(withMode("retryable-once"), 1))
		assert.True(t, failure.IsRetryable(err))
		require.NoError(t, f.svc.HandleNotification(context.Background(), delivery(withMode("retryable-once"), 2)))
		assert.Equal(t, 1, f.starter.count())
	})

	t.Run("permanent", func(t *testing.T) {
		f := newServiceFixture()
		err := f.svc.HandleNotification(context.Background(), delivery(withMode("permanent"), 1))
		assert.True(t, failure.IsPermanent(err))
		assert.True(t, errors.Is(err, failure.ErrSimulated))
		assert.Zero(t, f.starter.count())
	})
}

func TestPushHandler_EndToEnd(t *testing.T) {
	f := newServiceFixture()
	server := httptest.NewServer(f.svc.PushHandler(ingress.PushConfig{}))
	defer server.Close()

	body, err := json.Marshal(ingress.Envelope{Message: ingress.PushMessage{
		Data:      base64.StdEncoding.EncodeToString([]byte(objectJSON)),
		MessageID: "push-1",
	}})
	require.NoError(t, err)

	resp, err := http.Post(server.URL, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, f.starter.count())
}

// --- Client ---

func orchestratorServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32, chan *http.Request) {
	t.Helper()
	calls := &atomic.Int32{}
	requests := make(chan *http.Request, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		requests <- r.Clone(context.Background())

		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"run_id": "abc", "status": "IN_PROGRESS", "created": true}`))
		}
	}))
	t.Cleanup(server.Close)
	return server, calls, requests
}

func testClient(url string, maxRetries int) *Client {
	return NewClient(ClientConfig{
		URL:         url,
		MaxRetries:  maxRetries,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		RetryBudget: 5 * time.Second,
		Tokens:      auth.StaticToken("tok"),
	})
}

func TestClient_Success(t *testing.T) {
	server, calls, requests := orchestratorServer(t, http.StatusOK)

	res, err := testClient(server.URL, 3).StartRun(context.Background(),
		orchestrator.StartRequest{Bucket: "b", Name: "r.wav", Generation: "7", CorrelationID: "corr-1"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", res.RunID)
	assert.Equal(t, domain.RunStatusInProgress, res.Status)
	assert.Equal(t, int32(1), calls.Load())

	req := <-requests
	assert.Equal(t, "/run", req.URL.Path)
	assert.Equal(t, "key-1", req.Header.Get(HeaderIdempotencyKey))
	assert.Equal(t, "corr-1", req.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}

func TestClient_RetriesTransient(t *testing.T) {
	server, calls, _ := orchestratorServer(t, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusOK)

	res, err := testClient(server.URL, 3).StartRun(context.Background(), orchestrator.StartRequest{Bucket: "b"}, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", res.RunID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_PermanentNoRetry(t *testing.T) {
	server, calls, _ := orchestratorServer(t, http.StatusBadRequest)

	_, err := testClient(server.URL, 3).StartRun(context.Background(), orchestrator.StartRequest{Bucket: "b"}, "k")
	require.Error(t, err)
	assert.True(t, failure.IsPermanent(err))
	assert.Contains(t, err.Error(), "orchestrator 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_AttemptsExhausted(t *testing.T) {
	server, calls, _ := orchestratorServer(t, http.StatusInternalServerError)

	_, err := testClient(server.URL, 2).StartRun(context.Background(), orchestrator.StartRequest{Bucket: "b"}, "k")
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_BudgetExhausted(t *testing.T) {
	server, calls, _ := orchestratorServer(t, http.StatusInternalServerError)

	client := NewClient(ClientConfig{URL: server.URL, MaxRetries: 10, RetryBudget: time.Nanosecond})
	_, err := client.StartRun(context.Background(), orchestrator.StartRequest{Bucket: "b"}, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.True(t, failure.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NoURL(t *testing.T) {
	_, err := NewClient(ClientConfig{}).StartRun(context.Background(), orchestrator.StartRequest{}, "k")
	assert.ErrorIs(t, err, ErrNoOrchestrator)
	assert.True(t, failure.IsPermanent(err))
}

func TestClient_BackoffBounded(t *testing.T) {
	c := NewClient(ClientConfig{URL: "http://x", BackoffBase: 10 * time.Millisecond, BackoffCap: 40 * time.Millisecond})

	for attempt := 1; attempt <= 10; attempt++ {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
	assert.LessOrEqual(t, c.backoff(1), 10*time.Millisecond)
}
