package repo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/domain"
)

// backends возвращает хранилища, на которых гоняются общие тесты.
func backends(t *testing.T) map[string]*Repos {
	t.Helper()

	ctx := context.Background()
	sqlite, err := Open(ctx, Options{
		Driver: DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "scribe.db"),
	})
	require.NoError(t, err)
	t.Cleanup(sqlite.Close)

	return map[string]*Repos{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(id string) *domain.Run {
	src := domain.Source{Bucket: "b", Name: "a.wav", Generation: "1"}
	return domain.NewRun(id, src, "corr-1", "transcribe", t0)
}

func TestRuns_CreateIsIdempotent(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, run, err := r.Runs.Create(ctx, newRun("run-1"))
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, domain.RunStatusCreated, run.Status)

			second := newRun("run-1")
			second.CorrelationID = "other"
			created, existing, err := r.Runs.Create(ctx, second)
			require.NoError(t, err)
			assert.False(t, created)
			// вернулся исходный документ, а не переданный
			assert.Equal(t, "corr-1", existing.CorrelationID)
		})
	}
}

func TestRuns_Update(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := r.Runs.Create(ctx, newRun("run-2"))
			require.NoError(t, err)

			updated, err := r.Runs.Update(ctx, "run-2", func(run *domain.Run) (bool, error) {
				return run.MarkDispatched("transcribe-run-2", t0.Add(time.Second)), nil
			})
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusInProgress, updated.Status)

			got, err := r.Runs.GetByID(ctx, "run-2")
			require.NoError(t, err)
			assert.Equal(t, domain.StepStatusDispatched, got.Current().Status)
			assert.Equal(t, "transcribe-run-2", got.Current().TaskKey)
		})
	}
}

func TestRuns_UpdateErrorRollsBack(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := r.Runs.Create(ctx, newRun("run-3"))
			require.NoError(t, err)

			boom := errors.New("boom")
			_, err = r.Runs.Update(ctx, "run-3", func(run *domain.Run) (bool, error) {
				run.Fail("nope", t0)
				return true, boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := r.Runs.GetByID(ctx, "run-3")
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusCreated, got.Status)
		})
	}
}

func TestRuns_NotFound(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := r.Runs.GetByID(ctx, "missing")
			assert.True(t, IsNotFound(err))

			_, err = r.Runs.Update(ctx, "missing", func(*domain.Run) (bool, error) { return true, nil })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRuns_ListAndDeleteFinished(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				_, _, err := r.Runs.Create(ctx, newRun(id))
				require.NoError(t, err)
			}
			_, err := r.Runs.Update(ctx, "b", func(run *domain.Run) (bool, error) {
				run.Finish(domain.OutcomePass, "", t0.Add(time.Minute))
				return true, nil
			})
			require.NoError(t, err)

			done, err := r.Runs.List(ctx, RunFilter{Status: domain.RunStatusDone})
			require.NoError(t, err)
			require.Len(t, done, 1)
			assert.Equal(t, "b", done[0].ID)

			all, err := r.Runs.List(ctx, RunFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			n, err := r.Runs.DeleteFinished(ctx, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			_, err = r.Runs.GetByID(ctx, "a")
			assert.NoError(t, err, "in-flight runs stay")
		})
	}
}

func TestIngestions_Mutate(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := r.Ingestions.Mutate(ctx, "k1", func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error) {
				assert.Nil(t, cur)
				return &domain.IngestionRecord{Status: domain.IngestionStatusProcessing, Attempts: 1, LastUpdated: t0}, nil
			})
			require.NoError(t, err)
			assert.Equal(t, "k1", rec.Key)

			// nil — без записи, возвращается текущая
			rec, err = r.Ingestions.Mutate(ctx, "k1", func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error) {
				require.NotNil(t, cur)
				return nil, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, rec.Attempts)

			expires := t0.Add(time.Hour)
			_, err = r.Ingestions.Mutate(ctx, "k1", func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error) {
				cur.Status = domain.IngestionStatusDone
				cur.ExpiresAt = &expires
				return cur, nil
			})
			require.NoError(t, err)

			got, err := r.Ingestions.GetByKey(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, domain.IngestionStatusDone, got.Status)

			n, err := r.Ingestions.DeleteExpired(ctx, t0)
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = r.Ingestions.DeleteExpired(ctx, expires)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestIngestions_ConcurrentInsertOnce(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				inserts int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := r.Ingestions.Mutate(ctx, "race", func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error) {
						if cur != nil {
							return nil, nil
						}
						mu.Lock()
						inserts++
						mu.Unlock()
						return &domain.IngestionRecord{Status: domain.IngestionStatusProcessing, LastUpdated: t0}, nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, inserts)
		})
	}
}

func TestTasks_EnqueueAndDue(t *testing.T) {
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := &domain.Task{
				Key:       "transcribe-r1",
				RunID:     "r1",
				Step:      "transcribe",
				Status:    domain.TaskStatusQueued,
				NotBefore: t0,
				CreatedAt: t0,
				UpdatedAt: t0,
			}
			created, err := r.Tasks.Enqueue(ctx, task)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = r.Tasks.Enqueue(ctx, task)
			require.NoError(t, err)
			assert.False(t, created, "same key is not enqueued twice")

			later := *task
			later.Key = "redact-r2"
			later.NotBefore = t0.Add(time.Minute)
			_, err = r.Tasks.Enqueue(ctx, &later)
			require.NoError(t, err)

			due, err := r.Tasks.ListDue(ctx, t0.Add(time.Second), 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "transcribe-r1", due[0].Key)

			_, err = r.Tasks.Update(ctx, "transcribe-r1", func(task *domain.Task) (bool, error) {
				task.MarkRunning(t0)
				task.MarkSucceeded(200, t0)
				return true, nil
			})
			require.NoError(t, err)

			got, err := r.Tasks.GetByKey(ctx, "transcribe-r1")
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStatusSucceeded, got.Status)
			assert.Equal(t, 1, got.Attempt)

			n, err := r.Tasks.DeleteFinished(ctx, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mongo"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT doc FROM runs WHERE id = ?1 AND x = ?12", rebind("SELECT doc FROM runs WHERE id = $1 AND x = $12"))
}
