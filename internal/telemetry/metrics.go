package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики регистрируются в глобальном реестре и отдаются на /metrics.
var (
	// IngressOutcomes — исходы обработки входящих сообщений.
	// source: push|amqp, service: orchestrator|ingest, ack: success|permanent|retry.
	IngressOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "ingress_messages_total",
		Help:      "Inbound messages by source and acknowledgement class.",
	}, []string{"service", "source", "ack"})

	// DedupDecisions — решения шлюза дедупликации.
	DedupDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "dedup_decisions_total",
		Help:      "Dedup gate decisions.",
	}, []string{"decision"})

	// Dispatches — постановки шагов в очередь доставки.
	// result: enqueued|duplicate|error.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "step_dispatches_total",
		Help:      "Step dispatch attempts by step and result.",
	}, []string{"step", "result"})

	// StepCalls — вызовы task-endpoint step-сервисов по классу исхода.
	StepCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "step_calls_total",
		Help:      "Step service calls by step and outcome class.",
	}, []string{"step", "class"})

	// StepCallDuration — длительность вызова step-сервиса.
	StepCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribe",
		Name:      "step_call_duration_seconds",
		Help:      "Step service call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	// RunsFinished — runs, дошедшие до терминального статуса.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "runs_finished_total",
		Help:      "Runs reaching a terminal status.",
	}, []string{"status", "outcome"})

	// OrchestratorCalls — попытки ingest-сервиса запустить run.
	OrchestratorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "orchestrator_calls_total",
		Help:      "Run start calls from ingest by outcome class.",
	}, []string{"class"})

	// JanitorDeleted — записи, удалённые по TTL/retention.
	JanitorDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "janitor_deleted_total",
		Help:      "Records removed by retention sweeps.",
	}, []string{"kind"})
)
