package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/repo"
)

// clock — управляемый источник времени.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGate(t *testing.T) (*Gate, repo.IngestionStore, *clock) {
	t.Helper()
	store := repo.NewMemory().Ingestions
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	g := New(Config{
		Store: store,
		Lease: time.Minute,
		TTL:   24 * time.Hour,
		Now:   clk.Now,
	})
	return g, store, clk
}

var adm = Admission{
	Source:    domain.Source{Bucket: "b", Name: "a.wav", Generation: "1"},
	MessageID: "m-1",
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  *domain.IngestionRecord
		want Decision
	}{
		{"absent", nil, Admitted},
		{"done", &domain.IngestionRecord{Status: domain.IngestionStatusDone}, DuplicateDone},
		{"failed permanent", &domain.IngestionRecord{Status: domain.IngestionStatusFailedPermanent}, DuplicateDone},
		{"processing leased", &domain.IngestionRecord{Status: domain.IngestionStatusProcessing, LeaseExpiresAt: now.Add(time.Second)}, DuplicateInFlight},
		{"processing expired", &domain.IngestionRecord{Status: domain.IngestionStatusProcessing, LeaseExpiresAt: now}, Admitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rec, now))
		})
	}
}

func TestAdmit_FirstThenInFlight(t *testing.T) {
	g, _, _ := newGate(t)
	ctx := context.Background()

	d, rec, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, Admitted, d)
	assert.Equal(t, domain.IngestionStatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	d, _, err = g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, DuplicateInFlight, d)
}

func TestAdmit_AfterComplete(t *testing.T) {
	g, store, clk := newGate(t)
	ctx := context.Background()

	_, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "k", "run-1", 150*time.Millisecond))

	d, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, DuplicateDone, d)

	rec, err := store.GetByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionStatusDone, rec.Status)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, int64(150), rec.DurationMs)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, clk.Now().Add(24*time.Hour).Equal(*rec.ExpiresAt))
}

func TestAdmit_AfterFail(t *testing.T) {
	g, store, _ := newGate(t)
	ctx := context.Background()

	_, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	require.NoError(t, g.Fail(ctx, "k", errors.New("bad object")))

	d, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, DuplicateDone, d)

	rec, err := store.GetByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionStatusFailedPermanent, rec.Status)
	assert.Equal(t, "bad object", rec.LastError)
}

func TestAdmit_ReleaseAllowsRetry(t *testing.T) {
	g, _, _ := newGate(t)
	ctx := context.Background()

	_, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "k", errors.New("orchestrator 503")))

	d, rec, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, Admitted, d)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "orchestrator 503", rec.LastError)
}

func TestAdmit_ExpiredLeaseReadmits(t *testing.T) {
	g, _, clk := newGate(t)
	ctx := context.Background()

	_, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	d, _, err := g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, DuplicateInFlight, d)

	clk.Advance(time.Minute)
	d, _, err = g.Admit(ctx, "k", adm)
	require.NoError(t, err)
	assert.Equal(t, Admitted, d)
}

func TestAdmit_ConcurrentExactlyOne(t *testing.T) {
	g, _, _ := newGate(t)
	ctx := context.Background()

	const n = 16
	results := make(chan Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := g.Admit(ctx, "k", adm)
			assert.NoError(t, err)
			results <- d
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for d := range results {
		if d == Admitted {
			admitted++
		} else {
			assert.Equal(t, DuplicateInFlight, d)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestComplete_MissingRecord(t *testing.T) {
	g, _, _ := newGate(t)

	err := g.Complete(context.Background(), "nope", "run", 0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDecision_IsDuplicate(t *testing.T) {
	assert.False(t, Admitted.IsDuplicate())
	assert.True(t, DuplicateInFlight.IsDuplicate())
	assert.True(t, DuplicateDone.IsDuplicate())
}
