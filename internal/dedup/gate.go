// Package dedup реализует шлюз дедупликации входящих уведомлений.
//
// Шлюз хранит запись на каждый ключ идемпотентности и атомарно решает,
// можно ли начинать обработку. Запись в PROCESSING держит lease: пока lease
// действует, повторные доставки считаются дубликатами в работе; после
// истечения (например, обработчик упал) уведомление допускается снова.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// Decision — решение шлюза.
type Decision string

const (
	// Admitted — обработку можно начинать.
	Admitted Decision = "ADMITTED"

	// DuplicateInFlight — то же уведомление сейчас обрабатывается.
	DuplicateInFlight Decision = "DUPLICATE_IN_FLIGHT"

	// DuplicateDone — уведомление уже обработано (успешно или перманентно неуспешно).
	DuplicateDone Decision = "DUPLICATE_DONE"
)

// IsDuplicate возвращает true для обоих видов дубликатов.
func (d Decision) IsDuplicate() bool {
	return d == DuplicateInFlight || d == DuplicateDone
}

// Default configuration values.
const (
	defaultLease = 10 * time.Minute
	defaultTTL   = 14 * 24 * time.Hour
)

// Store — хранилище записей (repo.IngestionStore).
type Store interface {
	Mutate(ctx context.Context, key string, fn repo.IngestionMutator) (*domain.IngestionRecord, error)
}

// Admission — метаданные доставки, которые сохраняются в записи.
type Admission struct {
	Source      domain.Source
	MessageID   string
	PublishTime string
}

// Gate — шлюз дедупликации.
type Gate struct {
	store  Store
	lease  time.Duration
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Config — конфигурация Gate.
type Config struct {
	Store Store

	// Lease — сколько PROCESSING-запись считается занятой (default: 10m).
	Lease time.Duration

	// TTL — срок хранения терминальной записи (default: 14 дней).
	TTL time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Gate.
func New(cfg Config) *Gate {
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		store:  cfg.Store,
		lease:  lease,
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

// Evaluate — чистая функция решения по текущей записи.
//
//	нет записи                 → ADMITTED
//	DONE / FAILED_PERMANENT    → DUPLICATE_DONE
//	PROCESSING, lease активен  → DUPLICATE_IN_FLIGHT
//	PROCESSING, lease истёк    → ADMITTED (повторный захват)
func Evaluate(rec *domain.IngestionRecord, now time.Time) Decision {
	switch {
	case rec == nil:
		return Admitted
	case rec.Status.IsTerminal():
		return DuplicateDone
	case rec.LeaseActive(now):
		return DuplicateInFlight
	default:
		return Admitted
	}
}

// Admit атомарно проверяет запись и при допуске помечает её PROCESSING.
// Из параллельных вызовов с одним ключом ADMITTED получает ровно один.
func (g *Gate) Admit(ctx context.Context, key string, adm Admission) (Decision, *domain.IngestionRecord, error) {
	var decision Decision

	rec, err := g.store.Mutate(ctx, key, func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error) {
		now := g.now()
		decision = Evaluate(cur, now)
		if decision != Admitted {
			return nil, nil
		}

		next := cur
		if next == nil {
			next = &domain.IngestionRecord{
				Key:       key,
				Source:    adm.Source,
				FirstSeen: now,
			}
		}
		next.Status = domain.IngestionStatusProcessing
		next.Attempts++
		next.MessageID = adm.MessageID
		next.PublishTime = adm.PublishTime
		next.LeaseExpiresAt = now.Add(g.lease)
		next.ExpiresAt = nil
		next.LastUpdated = now
		return next, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("admit %s: %w", key, err)
	}

	telemetry.DedupDecisions.WithLabelValues(string(decision)).Inc()
	g.logger.Debug("dedup decision", "idempotency_key", key, "decision", decision)

	return decision, rec, nil
}

// Complete помечает запись DONE и выставляет TTL.
func (g *Gate) Complete(ctx context.Context, key, runID string, duration time.Duration) error {
	return g.finish(ctx, key, func(rec *domain.IngestionRecord, now time.Time) {
		rec.Status = domain.IngestionStatusDone
		rec.RunID = runID
		rec.DurationMs = duration.Milliseconds()
		rec.LastError = ""
		expires := now.Add(g.ttl)
		rec.ExpiresAt = &expires
	})
}

// Fail помечает запись FAILED_PERMANENT и выставляет TTL.
func (g *Gate) Fail(ctx context.Context, key string, cause error) error {
	return g.finish(ctx, key, func(rec *domain.IngestionRecord, now time.Time) {
		rec.Status = domain.IngestionStatusFailedPermanent
		rec.LastError = errString(cause)
		expires := now.Add(g.ttl)
		rec.ExpiresAt = &expires
	})
}

// Release снимает lease после повторяемой ошибки, чтобы повторная доставка была допущена.
func (g *Gate) Release(ctx context.Context, key string, cause error) error {
	return g.finish(ctx, key, func(rec *domain.IngestionRecord, now time.Time) {
		rec.LeaseExpiresAt = now
		rec.LastError = errString(cause)
	})
}

// finish применяет изменение к существующей PROCESSING-записи.
func (g *Gate) finish(ctx context.Context, key string, apply func(rec *domain.IngestionRecord, now time.Time)) error {
	_, err := g.store.Mutate(ctx, key, func(cur *domain.IngestionRecord) (*domain.IngestionRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("ingestion %s: %w", key, repo.ErrNotFound)
		}
		if cur.Status.IsTerminal() {
			return nil, nil
		}
		now := g.now()
		apply(cur, now)
		cur.LastUpdated = now
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("update ingestion %s: %w", key, err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
