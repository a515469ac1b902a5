package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

// NewMemory создаёт хранилище в памяти процесса.
// Подходит для локального запуска одним процессом и для тестов.
func NewMemory() *Repos {
	return &Repos{
		Runs:       &memRuns{items: make(map[string]*domain.Run)},
		Ingestions: &memIngestions{items: make(map[string]*domain.IngestionRecord)},
		Tasks:      &memTasks{items: make(map[string]*domain.Task)},
	}
}

// clone делает глубокую копию через JSON, чтобы вызывающий код не делил память с хранилищем.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// --- runs ---

type memRuns struct {
	mu    sync.Mutex
	items map[string]*domain.Run
}

func (m *memRuns) Create(_ context.Context, run *domain.Run) (bool, *domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.items[run.ID]; ok {
		return false, clone(cur), nil
	}
	m.items[run.ID] = clone(run)
	return true, run, nil
}

func (m *memRuns) GetByID(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cur), nil
}

func (m *memRuns) Update(_ context.Context, id string, fn RunMutator) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	run := clone(cur)
	changed, err := fn(run)
	if err != nil {
		return nil, err
	}
	if changed {
		m.items[id] = clone(run)
	}
	return run, nil
}

func (m *memRuns) List(_ context.Context, filter RunFilter) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Run
	for _, r := range m.items {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRuns) DeleteFinished(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.items {
		if r.Status.IsTerminal() && r.UpdatedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// --- ingestions ---

type memIngestions struct {
	mu    sync.Mutex
	items map[string]*domain.IngestionRecord
}

func (m *memIngestions) Mutate(_ context.Context, key string, fn IngestionMutator) (*domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := clone(m.items[key])
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	next.Key = key
	m.items[key] = clone(next)
	return next, nil
}

func (m *memIngestions) GetByKey(_ context.Context, key string) (*domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cur), nil
}

func (m *memIngestions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.items {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

// --- tasks ---

type memTasks struct {
	mu    sync.Mutex
	items map[string]*domain.Task
}

func (m *memTasks) Enqueue(_ context.Context, task *domain.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[task.Key]; ok {
		return false, nil
	}
	m.items[task.Key] = clone(task)
	return true, nil
}

func (m *memTasks) GetByKey(_ context.Context, key string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cur), nil
}

func (m *memTasks) Update(_ context.Context, key string, fn TaskMutator) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	task := clone(cur)
	changed, err := fn(task)
	if err != nil {
		return nil, err
	}
	if changed {
		m.items[key] = clone(task)
	}
	return task, nil
}

func (m *memTasks) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Task
	for _, t := range m.items {
		if t.IsDue(now) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) DeleteFinished(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, t := range m.items {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

