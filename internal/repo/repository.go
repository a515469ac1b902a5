package repo

import (
	"context"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

// RunMutator изменяет run внутри транзакции.
// changed=false — ничего не записывать. Ошибка откатывает транзакцию.
type RunMutator func(run *domain.Run) (changed bool, err error)

// IngestionMutator получает текущую запись (nil, если её нет) и возвращает новую.
// nil в ответе — ничего не записывать.
type IngestionMutator func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error)

// TaskMutator изменяет task внутри транзакции.
type TaskMutator func(task *domain.Task) (changed bool, err error)

// RunFilter — фильтр для List.
type RunFilter struct {
	Status domain.RunStatus
	Limit  int
}

// RunStore — хранилище run-документов.
type RunStore interface {
	// Create вставляет run, если его ещё нет. created=false возвращает существующий.
	Create(ctx context.Context, run *domain.Run) (created bool, current *domain.Run, err error)
	GetByID(ctx context.Context, id string) (*domain.Run, error)
	Update(ctx context.Context, id string, fn RunMutator) (*domain.Run, error)
	List(ctx context.Context, filter RunFilter) ([]*domain.Run, error)
	// DeleteFinished удаляет терминальные runs, не менявшиеся с before.
	DeleteFinished(ctx context.Context, before time.Time) (int64, error)
}

// IngestionStore — хранилище записей дедупликации.
type IngestionStore interface {
	// Mutate атомарно читает и переписывает запись по ключу.
	Mutate(ctx context.Context, key string, fn IngestionMutator) (*domain.IngestionRecord, error)
	GetByKey(ctx context.Context, key string) (*domain.IngestionRecord, error)
	// DeleteExpired удаляет записи с истёкшим TTL.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TaskStore — хранилище задач доставки шагов.
type TaskStore interface {
	// Enqueue ставит task, если задачи с таким ключом ещё нет.
	Enqueue(ctx context.Context, task *domain.Task) (created bool, err error)
	GetByKey(ctx context.Context, key string) (*domain.Task, error)
	Update(ctx context.Context, key string, fn TaskMutator) (*domain.Task, error)
	// ListDue возвращает QUEUED задачи с not_before <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)
	DeleteFinished(ctx context.Context, before time.Time) (int64, error)
}

// maxConflictRetries — сколько раз повторять транзакцию при гонке вставки.
const maxConflictRetries = 3
