package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shaiso/Scribe/internal/domain"
)

func TestDispatchable(t *testing.T) {
	now := time.Now()
	run := domain.NewRun("r", domain.Source{Bucket: "b", Name: "n"}, "", "transcribe", now)
	assert.NotNil(t, dispatchable(run))

	run.MarkDispatched("transcribe-r", now)
	assert.NotNil(t, dispatchable(run))

	run.Current().MarkProcessing(1, now)
	assert.Nil(t, dispatchable(run))

	run.Fail("boom", now)
	assert.Nil(t, dispatchable(run))
}

func TestAcceptsEvent(t *testing.T) {
	now := time.Now()
	run := domain.NewRun("r", domain.Source{Bucket: "b", Name: "n"}, "", "transcribe", now)

	_, ok := acceptsEvent(run, "transcribe")
	assert.False(t, ok, "pending step is not active yet")

	run.MarkDispatched("transcribe-r", now)
	_, ok = acceptsEvent(run, "transcribe")
	assert.True(t, ok)

	_, ok = acceptsEvent(run, "redact")
	assert.False(t, ok)
}

func TestApplyStarted_StaleAttempt(t *testing.T) {
	now := time.Now()
	run := domain.NewRun("r", domain.Source{Bucket: "b", Name: "n"}, "", "transcribe", now)
	run.MarkDispatched("transcribe-r", now)

	evt := &domain.Event{Step: "transcribe"}
	assert.True(t, applyStarted(run, evt, 2, now))
	assert.False(t, applyStarted(run, evt, 1, now))
	assert.True(t, applyStarted(run, evt, 3, now))
	assert.Equal(t, 3, run.Current().Attempts)
}

func TestPriorArtifacts(t *testing.T) {
	now := time.Now()
	run := domain.NewRun("r", domain.Source{Bucket: "b", Name: "n"}, "", "transcribe", now)
	assert.Nil(t, priorArtifacts(run))

	run.MarkDispatched("transcribe-r", now)
	run.Current().MarkDone(map[string]string{"transcript": "gs://t"}, now)
	run.AddStep("redact", now)

	assert.Equal(t, map[string]string{"transcribe.transcript": "gs://t"}, priorArtifacts(run))
}
