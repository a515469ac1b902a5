// Package janitor удаляет устаревшие записи по расписанию.
//
// Очистка:
//   - Ingestion Records с истёкшим TTL
//   - Runs в терминальном статусе старше retention.runs (если задано)
//   - Tasks в терминальном статусе старше retention.tasks (если задано)
//
// Если запущено несколько экземпляров, очистку выполняет тот, кто взял
// leader lock хранилища; остальные пропускают тик.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// LockKey — ключ advisory lock очистки.
const LockKey int64 = 424242

// DefaultCron — расписание по умолчанию.
const DefaultCron = "*/15 * * * *"

// Locker выполняет fn под межпроцессной блокировкой (repo.Repos).
type Locker interface {
	WithLeaderLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error)
}

// Result — итог одной очистки.
type Result struct {
	Ingestions int64
	Runs       int64
	Tasks      int64
}

// Janitor — периодическая очистка хранилища.
type Janitor struct {
	ingestions repo.IngestionStore
	runs       repo.RunStore
	tasks      repo.TaskStore
	locker     Locker

	runRetention  time.Duration
	taskRetention time.Duration
	schedule      cron.Schedule

	now    func() time.Time
	logger *slog.Logger
}

// Config — конфигурация Janitor.
type Config struct {
	Ingestions repo.IngestionStore
	Runs       repo.RunStore
	Tasks      repo.TaskStore

	// Locker — nil: очистка без блокировки.
	Locker Locker

	// RunRetention / TaskRetention — 0 отключает удаление.
	RunRetention  time.Duration
	TaskRetention time.Duration

	// Cron — расписание (default: каждые 15 минут).
	Cron string

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт Janitor. Ошибка — если cron-выражение некорректно.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.Cron
	if expr == "" {
		expr = DefaultCron
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		ingestions:    cfg.Ingestions,
		runs:          cfg.Runs,
		tasks:         cfg.Tasks,
		locker:        cfg.Locker,
		runRetention:  cfg.RunRetention,
		taskRetention: cfg.TaskRetention,
		schedule:      schedule,
		now:           now,
		logger:        logger.With("component", "janitor"),
	}, nil
}

// Run выполняет очистку по расписанию до отмены ctx.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next := j.schedule.Next(j.now())
		j.logger.Debug("next sweep scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := j.Tick(ctx); err != nil {
			j.logger.Error("sweep failed", "error", err)
		}
	}
}

// Tick выполняет очистку под leader lock.
// Возвращает false, если очистку выполняет другой экземпляр.
func (j *Janitor) Tick(ctx context.Context) (bool, error) {
	if j.locker == nil {
		_, err := j.Sweep(ctx)
		return true, err
	}

	acquired, err := j.locker.WithLeaderLock(ctx, LockKey, func(ctx context.Context) error {
		_, err := j.Sweep(ctx)
		return err
	})
	if err != nil {
		return acquired, err
	}
	if !acquired {
		j.logger.Debug("not a leader, sweep skipped")
	}
	return acquired, nil
}

// Sweep удаляет устаревшие записи.
//
// Ошибка одной категории не останавливает остальные.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	now := j.now()
	var (
		res  Result
		errs []error
	)

	if j.ingestions != nil {
		n, err := j.ingestions.DeleteExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete expired ingestions: %w", err))
		}
		res.Ingestions = n
		telemetry.JanitorDeleted.WithLabelValues("ingestion").Add(float64(n))
	}

	if j.runs != nil && j.runRetention > 0 {
		n, err := j.runs.DeleteFinished(ctx, now.Add(-j.runRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete finished runs: %w", err))
		}
		res.Runs = n
		telemetry.JanitorDeleted.WithLabelValues("run").Add(float64(n))
	}

	if j.tasks != nil && j.taskRetention > 0 {
		n, err := j.tasks.DeleteFinished(ctx, now.Add(-j.taskRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete finished tasks: %w", err))
		}
		res.Tasks = n
		telemetry.JanitorDeleted.WithLabelValues("task").Add(float64(n))
	}

	j.logger.Info("sweep completed",
		"ingestions", res.Ingestions,
		"runs", res.Runs,
		"tasks", res.Tasks,
	)

	return res, errors.Join(errs...)
}
