package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/dispatcher"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/idempotency"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
)

type testServer struct {
	srv   *httptest.Server
	repos *repo.Repos
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repos := repo.NewMemory()
	disp := dispatcher.New(dispatcher.Config{
		Queue: repos.Tasks,
		Targets: map[string]string{
			"transcribe": "http://transcribe/tasks",
			"redact":     "http://redact/tasks",
		},
	})
	orch := orchestrator.New(orchestrator.Config{Runs: repos.Runs, Dispatcher: disp})

	h := NewHandler(Config{
		Orchestrator: orch,
		Tasks:        repos.Tasks,
		Push:         ingress.NewPushHandler(ingress.PushConfig{Service: "orchestrator", Handle: orch.HandleDelivery}),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, repos: repos}
}

func (s *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartRun_Idempotent(t *testing.T) {
	s := newTestServer(t)
	body := `{"bucket":"b","name":"r.wav","generation":7,"session_id":"s1","correlation_id":"c-1"}`

	var first, second orchestrator.StartResult

	resp := s.post(t, "/run", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))

	resp = s.post(t, "/run", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))

	assert.Equal(t, idempotency.Derive("b", "r.wav", "7", "s1"), first.RunID)
	assert.Equal(t, first.RunID, second.RunID)
	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, domain.RunStatusInProgress, second.Status)
}

func TestStartRun_BadRequest(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{`{`, `{"name":"r.wav"}`, `{"bucket":"b"}`, `{"bucket":"b","name":"n","generation":true}`} {
		resp := s.post(t, "/run", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestStartRun_CorrelationHeader(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/run", strings.NewReader(`{"bucket":"b","name":"n","generation":"1"}`))
	require.NoError(t, err)
	req.Header.Set(HeaderCorrelationID, "corr-from-header")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "corr-from-header", resp.Header.Get(HeaderCorrelationID))

	run, err := s.repos.Runs.GetByID(context.Background(), idempotency.Derive("b", "n", "1", ""))
	require.NoError(t, err)
	assert.Equal(t, "corr-from-header", run.CorrelationID)
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/run", `{"bucket":"b","name":"n","generation":"1"}`)
	runID := idempotency.Derive("b", "n", "1", "")

	resp := s.get(t, "/api/v1/runs/"+runID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data RunResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, runID, out.Data.ID)
	assert.Equal(t, "transcribe", out.Data.CurrentStep)
	require.Len(t, out.Data.Steps, 1)
	assert.Equal(t, "DISPATCHED", out.Data.Steps[0].Status)

	resp = s.get(t, "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/run", `{"bucket":"b","name":"a","generation":"1"}`)
	s.post(t, "/run", `{"bucket":"b","name":"c","generation":"1"}`)

	resp := s.get(t, "/api/v1/runs?status=IN_PROGRESS&limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data  []RunResponse `json:"data"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Total)

	assert.Equal(t, http.StatusBadRequest, s.get(t, "/api/v1/runs?status=BOGUS").StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.get(t, "/api/v1/runs?limit=-1").StatusCode)
}

func TestListRunTasks(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/run", `{"bucket":"b","name":"n","generation":"1"}`)
	runID := idempotency.Derive("b", "n", "1", "")

	resp := s.get(t, "/api/v1/runs/"+runID+"/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data []TaskResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "transcribe-"+runID, out.Data[0].Key)
	assert.Equal(t, "QUEUED", out.Data[0].Status)
}

func TestEventsPush(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/run", `{"bucket":"b","name":"n","generation":"1"}`)
	runID := idempotency.Derive("b", "n", "1", "")

	evt := &domain.Event{
		Version:       domain.EventVersion,
		EventType:     "transcribe.completed",
		RunID:         runID,
		Step:          "transcribe",
		CorrelationID: "c",
		Artifacts:     map[string]any{"transcript": "gs://t"},
	}
	body, err := ingress.EncodeEnvelope(evt, "m-1", 1)
	require.NoError(t, err)

	resp, err := http.Post(s.srv.URL+"/events/push", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	run, err := s.repos.Runs.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "redact", run.CurrentStep)

	// Неразбираемый конверт подтверждается, чтобы не зациклить доставку.
	resp = s.post(t, "/events/push", `{"message":{"data":"!!"}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
