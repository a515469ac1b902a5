package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

// IngestionRepo — репозиторий записей дедупликации.
type IngestionRepo struct {
	db backend
}

// NewIngestionRepo создаёт новый IngestionRepo.
func NewIngestionRepo(db backend) *IngestionRepo {
	return &IngestionRepo{db: db}
}

// Mutate атомарно применяет fn к записи по ключу.
//
// Если запись отсутствует и параллельная транзакция успела её вставить,
// транзакция повторяется и fn видит уже вставленную запись.
func (r *IngestionRepo) Mutate(ctx context.Context, key string, fn IngestionMutator) (*domain.IngestionRecord, error) {
	var out *domain.IngestionRecord

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := r.db.inTx(ctx, func(q querier) error {
			cur, err := loadIngestion(ctx, q, key, r.db.lockClause())
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			next, err := fn(cur)
			if err != nil {
				return err
			}
			if next == nil {
				out = cur
				return nil
			}
			next.Key = key

			if cur == nil {
				if err := insertIngestion(ctx, q, next); err != nil {
					return err
				}
			} else if err := saveIngestion(ctx, q, next); err != nil {
				return err
			}
			out = next
			return nil
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	return nil, fmt.Errorf("mutate ingestion %s: %w", key, ErrConflict)
}

// GetByKey возвращает запись по ключу.
func (r *IngestionRepo) GetByKey(ctx context.Context, key string) (*domain.IngestionRecord, error) {
	return loadIngestion(ctx, r.db, key, "")
}

// DeleteExpired удаляет записи, у которых истёк TTL.
func (r *IngestionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.db.exec(ctx,
		`DELETE FROM ingestions WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		millis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired ingestions: %w", err)
	}
	return n, nil
}

func loadIngestion(ctx context.Context, q querier, key, lock string) (*domain.IngestionRecord, error) {
	var doc []byte
	err := q.queryRow(ctx, `SELECT doc FROM ingestions WHERE id = $1`+lock, key).Scan(&doc)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ingestion: %w", err)
	}

	var rec domain.IngestionRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ingestion: %w", err)
	}
	return &rec, nil
}

func insertIngestion(ctx context.Context, q querier, rec *domain.IngestionRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ingestion: %w", err)
	}

	n, err := q.exec(ctx, `
		INSERT INTO ingestions (id, status, doc, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.Key,
		string(rec.Status),
		string(doc),
		nullMillis(rec.ExpiresAt),
		millis(rec.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func saveIngestion(ctx context.Context, q querier, rec *domain.IngestionRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ingestion: %w", err)
	}

	_, err = q.exec(ctx,
		`UPDATE ingestions SET status = $2, doc = $3, expires_at = $4, updated_at = $5 WHERE id = $1`,
		rec.Key,
		string(rec.Status),
		string(doc),
		nullMillis(rec.ExpiresAt),
		millis(rec.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("update ingestion: %w", err)
	}
	return nil
}

// nullMillis возвращает nil для отсутствующего времени.
func nullMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

var _ IngestionStore = (*IngestionRepo)(nil)
