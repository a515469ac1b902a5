package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/idempotency"
	"github.com/shaiso/Scribe/internal/ingress"
)

// fakeAPI — минимальный API оркестратора.
type fakeAPI struct {
	lastStart StartRunRequest
	lastPush  []byte
	pushCode  int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastStart)
		json.NewEncoder(w).Encode(StartResponse{RunID: "abc123", Status: "IN_PROGRESS", Created: true})
	})
	mux.HandleFunc("GET /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		runs := []RunResponse{{ID: "0123456789abcdef", Status: r.URL.Query().Get("status"), CurrentStep: "audit",
			Source: SourceResponse{Bucket: "b", Name: "r.wav"}}}
		json.NewEncoder(w).Encode(map[string]any{"data": runs, "total": 1})
	})
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "abc123" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "NOT_FOUND", "message": "run not found"}})
			return
		}
		run := RunResponse{ID: "abc123", Status: "IN_PROGRESS", CurrentStep: "redact", Steps: []StepResponse{
			{Name: "transcribe", Status: "DONE", Attempts: 1, TaskKey: "transcribe-abc123"},
			{Name: "redact", Status: "DISPATCHED", TaskKey: "redact-abc123"},
		}}
		json.NewEncoder(w).Encode(map[string]any{"data": run})
	})
	mux.HandleFunc("GET /api/v1/runs/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		tasks := []TaskResponse{{Key: "transcribe-abc123", Step: "transcribe", Status: "SUCCEEDED", Attempt: 1, LastStatusCode: 200}}
		json.NewEncoder(w).Encode(map[string]any{"data": tasks, "total": 1})
	})
	mux.HandleFunc("POST /events/push", func(w http.ResponseWriter, r *http.Request) {
		f.lastPush, _ = io.ReadAll(r.Body)
		w.WriteHeader(f.pushCode)
	})
	return mux
}

type harness struct {
	api    *fakeAPI
	url    string
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	json   bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &fakeAPI{pushCode: http.StatusNoContent}
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)
	return &harness{api: api, url: server.URL, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	clientFn := func() *Client { return NewClient(h.url) }
	outputFn := func() *Output { return NewOutputTo(h.json, h.stdout, h.stderr) }

	root := &cobra.Command{Use: "scribectl", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewRunCmd(clientFn, outputFn),
		NewKeyCmd(outputFn),
		NewEventCmd(clientFn, outputFn, func() string { return h.url }),
	)
	root.SetArgs(args)
	root.SetOut(io.Discard)
	return root.Execute()
}

func TestRunStart(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "run", "start", "--bucket", "b", "--name", "r.wav", "--generation", "7", "--session", "s1"))

	assert.Equal(t, StartRunRequest{Bucket: "b", Name: "r.wav", Generation: "7", SessionID: "s1"}, h.api.lastStart)
	assert.Contains(t, h.stderr.String(), "Run started: abc123")
	assert.Contains(t, h.stdout.String(), "IN_PROGRESS")
}

func TestRunStart_RequiresBucket(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.run(t, "run", "start", "--name", "r.wav"))
}

func TestRunList(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "run", "list", "--status", "FAILED"))

	out := h.stdout.String()
	assert.Contains(t, out, "RUN_ID")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "b/r.wav")
	assert.Contains(t, out, "FAILED")
}

func TestRunShow(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "run", "show", "abc123"))
	out := h.stdout.String()
	assert.Contains(t, out, "redact-abc123")
	assert.Contains(t, out, "DISPATCHED")

	err := h.run(t, "run", "show", "missing")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND: run not found", err.Error())
}

func TestRunShow_JSON(t *testing.T) {
	h := newHarness(t)
	h.json = true

	require.NoError(t, h.run(t, "run", "show", "abc123"))

	var run RunResponse
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &run))
	assert.Len(t, run.Steps, 2)
}

func TestRunTasks(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "run", "tasks", "abc123"))
	assert.Contains(t, h.stdout.String(), "SUCCEEDED")
}

func TestKeyDerive(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "key", "derive", "b", "r.wav", "7", "--session", "s1"))
	out := h.stdout.String()
	assert.Contains(t, out, idempotency.Derive("b", "r.wav", "7", "s1"))
	assert.Contains(t, out, "b/r.wav@7|s1")
}

func TestEventSend(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "event", "send",
		"--type", "audit.completed",
		"--run-id", "abc123",
		"--artifact", "report=gs://b/audit.json",
		"--artifact", "hipaa_pass=false",
	))
	assert.Contains(t, h.stderr.String(), "acknowledged")

	d, err := ingress.DecodeEnvelope(h.api.lastPush)
	require.NoError(t, err)
	evt, err := d.Event()
	require.NoError(t, err)
	assert.Equal(t, "audit", evt.Step)
	assert.Equal(t, "abc123", evt.RunID)
	assert.Equal(t, false, evt.Artifacts["hipaa_pass"])
	assert.Equal(t, "gs://b/audit.json", evt.Artifacts["report"])
	assert.NotEmpty(t, evt.CorrelationID)
}

func TestEventSend_Rejected(t *testing.T) {
	h := newHarness(t)
	h.api.pushCode = http.StatusUnauthorized

	err := h.run(t, "event", "send", "--type", "transcribe.completed", "--run-id", "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestEventSend_DryRun(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "event", "send", "--dry-run",
		"--type", "object.finalized",
		"--input", "bucket=b", "--input", "name=r.wav", "--input", "generation=7",
	))
	assert.Nil(t, h.api.lastPush)

	var env ingress.Envelope
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &env))
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"bucket":"b"`))
}

func TestBuildEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	evt, err := BuildEvent(EventFlags{Type: "soap.completed", RunID: "r", CorrelationID: "c"}, now)
	require.NoError(t, err)
	assert.Equal(t, "soap", evt.Step)
	assert.Equal(t, "c", evt.CorrelationID)
	assert.Equal(t, "2026-03-01T12:00:00Z", evt.TS)

	_, err = BuildEvent(EventFlags{}, now)
	assert.Error(t, err)

	_, err = BuildEvent(EventFlags{Type: "soap.completed", Artifacts: []string{"novalue"}}, now)
	assert.Error(t, err)
}

func TestOutput_DetailsAndEmpty(t *testing.T) {
	var stdout, stderr bytes.Buffer
	out := NewOutputTo(false, &stdout, &stderr)

	out.Details([][2]string{{"RUN_ID", "abc"}, {"ERROR", ""}})
	assert.Contains(t, stdout.String(), "RUN_ID:")
	assert.NotContains(t, stdout.String(), "ERROR")

	out.Print([]string{"A"}, nil, nil)
	assert.Equal(t, "No results\n", stderr.String())
}
