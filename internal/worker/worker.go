package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shaiso/Scribe/internal/dispatcher"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5
	defaultMaxAttempts  = 5
	defaultConcurrency  = 4
	defaultLeaseTimeout = 2 * time.Minute
)

// StepCaller доставляет задачу step-сервису.
type StepCaller interface {
	Call(ctx context.Context, task *domain.Task) dispatcher.Result
}

// Publisher сообщает оркестратору о ходе задачи.
type Publisher interface {
	PublishEvent(ctx context.Context, evt *domain.Event) error
	PublishDeadTask(ctx context.Context, task *domain.Task) error
}

// Worker доставляет задачи шагов step-сервисам.
//
// Worker — stateless компонент системы, который:
//   - Получает уведомления tasks.ready из RabbitMQ (event-driven)
//   - Периодически выбирает due tasks из хранилища (polling, в том числе отложенные повторы)
//   - Вызывает task-endpoint step-сервиса с bearer-токеном
//   - Повторяет повторяемые ошибки с backoff, исчерпав попытки — отправляет в DLQ
//   - Сообщает оркестратору <step>.started и <step>.failed
type Worker struct {
	tasks     repo.TaskStore
	client    StepCaller
	publisher Publisher

	// MQ
	conn     *mq.Connection
	consumer *mq.Consumer
	prefetch int

	// Политика доставки
	maxAttempts  int
	backoff      BackoffPolicy
	leaseTimeout time.Duration
	limiter      *rate.Limiter
	sem          *semaphore.Weighted

	// Configuration
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Tasks  repo.TaskStore
	Client StepCaller

	// Publisher — nil отключает события started/failed и DLQ.
	Publisher Publisher

	// Conn — nil: только polling.
	Conn     *mq.Connection
	Prefetch int

	MaxAttempts int           // попыток на задачу (default: 5)
	Backoff     BackoffPolicy // задержка между попытками

	// LeaseTimeout — через сколько RUNNING задача считается брошенной (default: 2m).
	LeaseTimeout time.Duration

	// RatePerSec — лимит вызовов step-сервисов; 0 отключает лимит.
	RatePerSec float64
	Burst      int

	Concurrency  int           // параллельных доставок при polling (default: 4)
	PollInterval time.Duration // интервал polling (default: 5s)
	BatchSize    int           // задач за один poll (default: 50)

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	leaseTimeout := cfg.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = defaultLeaseTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		tasks:        cfg.Tasks,
		client:       cfg.Client,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		prefetch:     prefetch,
		maxAttempts:  maxAttempts,
		backoff:      cfg.Backoff,
		leaseTimeout: leaseTimeout,
		limiter:      limiter,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		now:          now,
		logger:       logger.With("component", "worker"),
	}
}

// Start запускает Worker.
//
// Запускает:
//   - Consumer для tasks.ready (если есть подключение к RabbitMQ)
//   - Polling горутину
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"max_attempts", w.maxAttempts,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueTasksReady,
			Handler:  w.handleTaskReady,
			Prefetch: w.prefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("task consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// pollLoop — цикл polling.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем tasks созданные пока были выключены)
	w.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll выбирает due tasks и доставляет их параллельно (не больше Concurrency).
// Возвращает число обработанных задач.
func (w *Worker) Poll(ctx context.Context) int {
	tasks, err := w.tasks.ListDue(ctx, w.now(), w.batchSize)
	if err != nil {
		w.logger.Error("failed to list due tasks", "error", err)
		return 0
	}

	if len(tasks) == 0 {
		return 0
	}

	w.logger.Debug("poll found due tasks", "count", len(tasks))

	var wg sync.WaitGroup
	processed := 0
	for _, task := range tasks {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		processed++

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer w.sem.Release(1)

			if err := w.ProcessTask(ctx, key); err != nil && !errors.Is(err, ErrTaskNotDue) {
				w.logger.Error("failed to process task from poll", "task_key", key, "error", err)
			}
		}(task.Key)
	}
	wg.Wait()

	return processed
}
