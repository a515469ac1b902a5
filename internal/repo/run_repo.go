package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

// RunRepo — репозиторий run-документов.
type RunRepo struct {
	db backend
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(db backend) *RunRepo {
	return &RunRepo{db: db}
}

// Create вставляет run, если его ещё нет (ON CONFLICT DO NOTHING).
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) (bool, *domain.Run, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return false, nil, fmt.Errorf("marshal run: %w", err)
	}

	query := `
		INSERT INTO runs (id, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	n, err := r.db.exec(ctx, query,
		run.ID,
		string(run.Status),
		string(doc),
		millis(run.CreatedAt),
		millis(run.UpdatedAt),
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert run: %w", err)
	}
	if n == 1 {
		return true, run, nil
	}

	existing, err := r.GetByID(ctx, run.ID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	return loadRun(ctx, r.db, id, "")
}

// Update выполняет read-modify-write run в одной транзакции.
func (r *RunRepo) Update(ctx context.Context, id string, fn RunMutator) (*domain.Run, error) {
	var out *domain.Run

	err := r.db.inTx(ctx, func(q querier) error {
		run, err := loadRun(ctx, q, id, r.db.lockClause())
		if err != nil {
			return err
		}

		changed, err := fn(run)
		if err != nil {
			return err
		}
		out = run
		if !changed {
			return nil
		}

		return saveRun(ctx, q, run)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List возвращает runs, последние изменённые первыми.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]*domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT doc FROM runs ORDER BY updated_at DESC LIMIT $1`
	args := []any{limit}
	if filter.Status != "" {
		query = `SELECT doc FROM runs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`
		args = []any{string(filter.Status), limit}
	}

	rs, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rs.Close()

	var runs []*domain.Run
	for rs.Next() {
		var doc []byte
		if err := rs.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run domain.Run
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rs.Err()
}

// DeleteFinished удаляет терминальные runs старше before.
func (r *RunRepo) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM runs
		WHERE status IN ($1, $2) AND updated_at < $3
	`
	n, err := r.db.exec(ctx, query,
		string(domain.RunStatusDone),
		string(domain.RunStatusFailed),
		millis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished runs: %w", err)
	}
	return n, nil
}

// loadRun читает run; lock — суффикс блокировки строки.
func loadRun(ctx context.Context, q querier, id, lock string) (*domain.Run, error) {
	var doc []byte
	err := q.queryRow(ctx, `SELECT doc FROM runs WHERE id = $1`+lock, id).Scan(&doc)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// saveRun переписывает документ run.
func saveRun(ctx context.Context, q querier, run *domain.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	n, err := q.exec(ctx,
		`UPDATE runs SET status = $2, doc = $3, updated_at = $4 WHERE id = $1`,
		run.ID,
		string(run.Status),
		string(doc),
		millis(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ RunStore = (*RunRepo)(nil)

