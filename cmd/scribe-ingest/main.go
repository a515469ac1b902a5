// Scribe Ingest — первая точка входа для новых медиа-объектов.
//
// Ingest:
//   - Принимает уведомления object.finalized (POST /pubsub/push и очередь events.ingest)
//   - Отсекает повторные доставки через шлюз дедупликации
//   - Запускает run вызовом POST /run оркестратора с повторами
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
	"github.com/shaiso/Scribe/internal/dedup"
	"github.com/shaiso/Scribe/internal/ingest"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/mq"
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
	logger.Info("starting scribe-ingest")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repos, err := repo.Open(ctx, cfg.RepoOptions())
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer repos.Close()

	var mqConn *mq.Connection
	if cfg.AMQP.Enabled {
		mqConn, err = mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in push-only mode", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn, cfg.AMQP.DeliveryLimit); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
		}
	}

	// Токены для вызова оркестратора
	var tokens auth.TokenSource
	if cfg.Auth.TaskSecret != "" {
		tokens = auth.NewSigner(cfg.Auth.TaskSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	client := ingest.NewClient(ingest.ClientConfig{
		URL:         cfg.Orchestrator.URL,
		Tokens:      tokens,
		Audience:    cfg.Orchestrator.Audience,
		Timeout:     cfg.Orch.Timeout,
		MaxRetries:  cfg.Orch.MaxRetries,
		BackoffBase: cfg.Orch.BackoffBase,
		BackoffCap:  cfg.Orch.BackoffCap,
		RetryBudget: cfg.Orch.RetryBudget,
		Logger:      logger,
	})

	svc := ingest.New(ingest.Config{
		Gate: dedup.New(dedup.Config{
			Store:  repos.Ingestions,
			Lease:  cfg.Dedup.Lease,
			TTL:    cfg.Dedup.TTL,
			Logger: logger,
		}),
		Starter:        client,
		Concurrency:    cfg.Orch.Concurrency,
		IncludeSession: cfg.Dedup.IncludeSession,
		Conn:           mqConn,
		Logger:         logger,
	})
	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start ingest", "error", err)
		os.Exit(1)
	}

	var verifier *auth.Verifier
	if cfg.Auth.RequirePushAuth {
		verifier = auth.NewVerifier(cfg.Auth.PushSecret, cfg.Auth.PushAudience)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("POST /pubsub/push", svc.PushHandler(ingress.PushConfig{Verifier: verifier}))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	svc.Stop()
	logger.Info("scribe-ingest stopped")
}
