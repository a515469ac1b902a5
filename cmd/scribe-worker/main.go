// Scribe Worker — доставляет задачи шагов step-сервисам.
//
// Worker:
//   - Получает уведомления task.ready из RabbitMQ
//   - Периодически опрашивает хранилище задач (fallback)
//   - Вызывает step-сервис с bearer-токеном и ограничением частоты
//   - Повторяет задачу с backoff, исчерпанные отправляет в DLQ
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/config"
	"github.com/shaiso/Scribe/internal/dispatcher"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
	"github.com/shaiso/Scribe/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting scribe-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repos, err := repo.Open(ctx, cfg.RepoOptions())
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer repos.Close()

	var (
		mqConn    *mq.Connection
		publisher *mq.Publisher
	)
	if cfg.AMQP.Enabled {
		mqConn, err = mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn, cfg.AMQP.DeliveryLimit); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher = mq.NewPublisher(mqConn, logger)
		}
	}

	// Токены для step-сервисов
	var tokens auth.TokenSource
	if cfg.Auth.TaskSecret != "" {
		tokens = auth.FixedAudience{
			Source:   auth.NewSigner(cfg.Auth.TaskSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
			Audience: cfg.Auth.TaskAudience,
		}
	}

	workerCfg := worker.Config{
		Tasks: repos.Tasks,
		Client: dispatcher.NewStepClient(dispatcher.ClientConfig{
			Tokens:  tokens,
			Timeout: cfg.Worker.CallTimeout,
			Logger:  logger,
		}),
		Conn:        mqConn,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff: worker.BackoffPolicy{
			Kind:    worker.BackoffExponential,
			Initial: cfg.Worker.BackoffInitial,
			Max:     cfg.Worker.BackoffMax,
		},
		RatePerSec:   cfg.Worker.RatePerSec,
		Burst:        cfg.Worker.Burst,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Logger:       logger,
	}
	if publisher != nil {
		workerCfg.Publisher = publisher
	}

	w := worker.New(workerCfg)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if err := repos.Ping(r.Context()); err != nil {
			http.Error(rw, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	w.Stop()
	logger.Info("scribe-worker stopped")
}
