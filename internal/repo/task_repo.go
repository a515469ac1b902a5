package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

// TaskRepo — репозиторий задач доставки шагов.
type TaskRepo struct {
	db backend
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(db backend) *TaskRepo {
	return &TaskRepo{db: db}
}

// Enqueue ставит task в очередь. created=false — задача с этим ключом уже есть.
func (r *TaskRepo) Enqueue(ctx context.Context, task *domain.Task) (bool, error) {
	doc, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	n, err := r.db.exec(ctx, `
		INSERT INTO tasks (id, run_id, status, not_before, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`,
		task.Key,
		task.RunID,
		string(task.Status),
		millis(task.NotBefore),
		string(doc),
		millis(task.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return n == 1, nil
}

// GetByKey возвращает task по ключу.
func (r *TaskRepo) GetByKey(ctx context.Context, key string) (*domain.Task, error) {
	return loadTask(ctx, r.db, key, "")
}

// Update выполняет read-modify-write task в одной транзакции.
func (r *TaskRepo) Update(ctx context.Context, key string, fn TaskMutator) (*domain.Task, error) {
	var out *domain.Task

	err := r.db.inTx(ctx, func(q querier) error {
		task, err := loadTask(ctx, q, key, r.db.lockClause())
		if err != nil {
			return err
		}

		changed, err := fn(task)
		if err != nil {
			return err
		}
		out = task
		if !changed {
			return nil
		}

		doc, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = q.exec(ctx,
			`UPDATE tasks SET status = $2, not_before = $3, doc = $4, updated_at = $5 WHERE id = $1`,
			task.Key,
			string(task.Status),
			millis(task.NotBefore),
			string(doc),
			millis(task.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDue возвращает задачи, готовые к выполнению.
func (r *TaskRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	rs, err := r.db.query(ctx, `
		SELECT doc FROM tasks
		WHERE status = $1 AND not_before <= $2
		ORDER BY not_before
		LIMIT $3
	`, string(domain.TaskStatusQueued), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rs.Close()

	var tasks []*domain.Task
	for rs.Next() {
		var doc []byte
		if err := rs.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task domain.Task
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rs.Err()
}

// DeleteFinished удаляет завершённые задачи старше before.
func (r *TaskRepo) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	n, err := r.db.exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`,
		string(domain.TaskStatusSucceeded),
		string(domain.TaskStatusFailed),
		string(domain.TaskStatusDead),
		millis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished tasks: %w", err)
	}
	return n, nil
}

func loadTask(ctx context.Context, q querier, key, lock string) (*domain.Task, error) {
	var doc []byte
	err := q.queryRow(ctx, `SELECT doc FROM tasks WHERE id = $1`+lock, key).Scan(&doc)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task domain.Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

var _ TaskStore = (*TaskRepo)(nil)
