// Scribe Orchestrator — ведёт runs по pipeline.
//
// Orchestrator:
//   - Принимает запросы start (POST /run) и создаёт runs идемпотентно
//   - Принимает события шагов push-запросами и из RabbitMQ
//   - Применяет переходы state machine в транзакции хранилища
//   - Ставит следующий шаг в очередь доставки
//   - Отдаёт состояние runs через /api/v1
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

	"github.com/shaiso/Scribe/internal/api"
	"github.com/shaiso/Scribe/internal/auth"
	"github.com/shaiso/Scribe/internal/config"
	"github.com/shaiso/Scribe/internal/dispatcher"
	"github.com/shaiso/Scribe/internal/ingress"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting scribe-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repos, err := repo.Open(ctx, cfg.RepoOptions())
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer repos.Close()
	logger.Info("store opened", "driver", cfg.DB.Driver)

	def, err := cfg.LoadPipeline()
	if err != nil {
		logger.Error("failed to load pipeline", "error", err)
		os.Exit(1)
	}

	// RabbitMQ
	var (
		mqConn    *mq.Connection
		publisher *mq.Publisher
	)
	if cfg.AMQP.Enabled {
		mqConn, err = mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in push-only mode", "error", err)
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn, cfg.AMQP.DeliveryLimit); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher = mq.NewPublisher(mqConn, logger)
		}
	}

	dispCfg := dispatcher.Config{
		Queue:   repos.Tasks,
		Targets: cfg.StepTargets(def),
		Logger:  logger,
	}
	orchCfg := orchestrator.Config{
		Runs:     repos.Runs,
		Pipeline: def,
		Conn:     mqConn,
		Logger:   logger,
	}
	if publisher != nil {
		dispCfg.Notifier = publisher
		orchCfg.Publisher = publisher
	}
	orchCfg.Dispatcher = dispatcher.New(dispCfg)

	orch := orchestrator.New(orchCfg)
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	var verifier *auth.Verifier
	if cfg.Auth.RequirePushAuth {
		verifier = auth.NewVerifier(cfg.Auth.PushSecret, cfg.Auth.PushAudience)
	}

	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Tasks:        repos.Tasks,
		Push: ingress.NewPushHandler(ingress.PushConfig{
			Service:  "orchestrator",
			Handle:   orch.HandleDelivery,
			Verifier: verifier,
			Logger:   logger,
		}),
		Logger: logger,
	})

	// HTTP mux: /healthz + /metrics + API
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := repos.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if mqConn != nil && !mqConn.IsConnected() {
			// push-доставка продолжает работать
			w.Write([]byte("degraded: amqp disconnected"))
			return
		}
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

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

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	orch.Stop()
	logger.Info("scribe-orchestrator stopped")
}
