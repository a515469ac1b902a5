package ingress

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
	"github.com/shaiso/Scribe/internal/mq"
)

func completedEvent() *domain.Event {
	return &domain.Event{
		Version:       domain.EventVersion,
		EventType:     "transcribe.completed",
		RunID:         "run-1",
		Step:          "transcribe",
		CorrelationID: "corr-1",
		Artifacts:     map[string]any{"transcript": "gs://out/t.json"},
	}
}

func TestDecodeEnvelope(t *testing.T) {
	body, err := EncodeEnvelope(completedEvent(), "msg-1", 3)
	require.NoError(t, err)

	d, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", d.MessageID)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, SourcePush, d.Source)

	evt, err := d.Event()
	require.NoError(t, err)
	assert.Equal(t, "transcribe.completed", evt.EventType)
	assert.Equal(t, "gs://out/t.json", evt.Artifacts["transcript"])
}

func TestDecodeEnvelope_DefaultAttempt(t *testing.T) {
	body, err := EncodeEnvelope(completedEvent(), "msg-1", 0)
	require.NoError(t, err)

	d, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempt)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"missing data": `{"message":{"messageId":"1"}}`,
		"bad base64":   `{"message":{"data":"@@@"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrMalformed)
			assert.Equal(t, AckPermanent, AckFor(err))
		})
	}
}

func TestDecodeEvent_Schema(t *testing.T) {
	valid := []string{
		`{"version":"1","event_type":"transcribe.completed","run_id":"r","step":"transcribe","correlation_id":"c"}`,
		`{"version":"1","event_type":"object.finalized","step":"ingest","correlation_id":"c","input":{"bucket":"b","name":"n","generation":12}}`,
		`{"version":"1","event_type":"redact.completed","run_id":"r","step":"redact","correlation_id":"c","simulate_failure":"retryable-once"}`,
		`{"version":"1","event_type":"redact.completed","run_id":"r","step":"redact","correlation_id":"c","simulate_failure":"sometimes"}`,
	}
	for _, s := range valid {
		_, err := DecodeEvent([]byte(s))
		assert.NoError(t, err, s)
	}

	invalid := []string{
		`{"event_type":"transcribe.completed","run_id":"r","step":"transcribe","correlation_id":"c"}`,
		`{"version":"1","event_type":"transcribe.completed","step":"transcribe","correlation_id":"c"}`,
		`{"version":"1","event_type":"transcribe.completed","run_id":"","step":"transcribe","correlation_id":"c"}`,
		`{"version":"1","event_type":"object.finalized","step":"ingest","correlation_id":"c","input":{"bucket":"b"}}`,
		`{"version":"1","event_type":"nodot","run_id":"r","step":"redact","correlation_id":"c"}`,
	}
	for _, s := range invalid {
		_, err := DecodeEvent([]byte(s))
		require.Error(t, err, s)
		assert.True(t, failure.IsPermanent(err), s)
	}

	_, err := DecodeEvent([]byte(`not-json`))
	assert.ErrorIs(t, err, failure.ErrMalformed)
}

func TestAckFor(t *testing.T) {
	assert.Equal(t, AckSuccess, AckFor(nil))
	assert.Equal(t, AckPermanent, AckFor(failure.Permanentf("bad")))
	assert.Equal(t, NackRetry, AckFor(failure.Retryablef("later")))
	assert.Equal(t, NackRetry, AckFor(errors.New("boom")))

	assert.Equal(t, http.StatusNoContent, AckSuccess.HTTPStatus())
	assert.Equal(t, http.StatusNoContent, AckPermanent.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, NackRetry.HTTPStatus())
}

func TestPushHandler(t *testing.T) {
	body, err := EncodeEnvelope(completedEvent(), "msg-1", 1)
	require.NoError(t, err)

	cases := []struct {
		name   string
		result error
		body   []byte
		want   int
	}{
		{"success", nil, body, http.StatusNoContent},
		{"permanent", failure.Permanentf("step unknown"), body, http.StatusNoContent},
		{"retryable", failure.Retryablef("db down"), body, http.StatusInternalServerError},
		{"malformed envelope", nil, []byte(`{"message":{}}`), http.StatusNoContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got *Delivery
			h := NewPushHandler(PushConfig{
				Service: "test",
				Handle: func(_ context.Context, d *Delivery) error {
					got = d
					return tc.result
				},
			})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/push", bytes.NewReader(tc.body)))
			assert.Equal(t, tc.want, rec.Code)
			if tc.name == "malformed envelope" {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, "msg-1", got.MessageID)
			}
		})
	}
}

func TestPushHandler_DeliveryAttemptHeader(t *testing.T) {
	noAttempt, err := EncodeEnvelope(completedEvent(), "msg-1", 0)
	require.NoError(t, err)
	withAttempt, err := EncodeEnvelope(completedEvent(), "msg-1", 2)
	require.NoError(t, err)

	cases := []struct {
		name   string
		body   []byte
		header string
		want   int
	}{
		{"header used when body has none", noAttempt, "3", 3},
		{"body wins over header", withAttempt, "5", 2},
		{"no header no body", noAttempt, "", 1},
		{"garbage header", noAttempt, "x", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got *Delivery
			h := NewPushHandler(PushConfig{
				Service: "test",
				Handle: func(_ context.Context, d *Delivery) error {
					got = d
					return nil
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/events/push", bytes.NewReader(tc.body))
			if tc.header != "" {
				req.Header.Set(HeaderDeliveryAttempt, tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Attempt)
		})
	}
}

func TestPushHandler_Auth(t *testing.T) {
	body, err := EncodeEnvelope(completedEvent(), "msg-1", 1)
	require.NoError(t, err)

	calls := 0
	h := NewPushHandler(PushConfig{
		Service:  "test",
		Verifier: auth.NewVerifier("secret", "orchestrator"),
		Handle: func(context.Context, *Delivery) error {
			calls++
			return nil
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/push", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewSigner("secret", "scribe", time.Hour).Token("orchestrator")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/events/push", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, calls)
}

func TestPushHandler_MethodNotAllowed(t *testing.T) {
	h := NewPushHandler(PushConfig{Service: "test", Handle: func(context.Context, *Delivery) error { return nil }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/push", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAMQPHandler(t *testing.T) {
	data := []byte(base64.StdEncoding.EncodeToString([]byte("x")))

	var result error
	var got *Delivery
	h := AMQPHandler("test", func(_ context.Context, d *Delivery) error {
		got = d
		return result
	}, nil)

	msg := &mq.Delivery{Body: data, MessageID: "m-1", Attempt: 2, Timestamp: time.Unix(10, 0)}

	require.NoError(t, h(context.Background(), msg))
	assert.Equal(t, SourceAMQP, got.Source)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, "1970-01-01T00:00:10Z", got.PublishTime)

	result = failure.Permanentf("bad")
	assert.NoError(t, h(context.Background(), msg))

	result = failure.Retryablef("later")
	assert.Error(t, h(context.Background(), msg))
}
