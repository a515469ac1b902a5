// Scribe Janitor — периодическая очистка хранилища.
//
// Удаляет просроченные записи дедупликации, а также завершённые runs и
// задачи старше срока хранения. Несколько экземпляров безопасны:
// очистку выполняет тот, кто взял advisory lock.
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

	"github.com/shaiso/Scribe/internal/config"
	"github.com/shaiso/Scribe/internal/janitor"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting scribe-janitor")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repos, err := repo.Open(ctx, cfg.RepoOptions())
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer repos.Close()

	j, err := janitor.New(janitor.Config{
		Ingestions:    repos.Ingestions,
		Runs:          repos.Runs,
		Tasks:         repos.Tasks,
		Locker:        repos,
		RunRetention:  cfg.Retention.Runs,
		TaskRetention: cfg.Retention.Tasks,
		Cron:          cfg.Janitor.Cron,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create janitor", "cron", cfg.Janitor.Cron, "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
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

	// Run блокируется до отмены ctx
	if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("janitor stopped with error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("scribe-janitor stopped")
}
