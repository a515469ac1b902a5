package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/pipeline"
	"github.com/shaiso/Scribe/internal/repo"
)

// SetDefaults задаёт значения по умолчанию для всех ключей.
// Ключ без default не подхватывается из окружения при Unmarshal.
func SetDefaults(v *viper.Viper) {
	// Logging
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	// Storage
	v.SetDefault("db.driver", repo.DriverPostgres)
	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 10)

	// Messaging
	v.SetDefault("amqp.url", mq.DefaultURL())
	v.SetDefault("amqp.enabled", true)
	v.SetDefault("amqp.delivery_limit", mq.DefaultDeliveryLimit)

	v.SetDefault("http.port", 8080)

	// Ingest → orchestrator
	v.SetDefault("orchestrator.url", "http://localhost:8080")
	v.SetDefault("orchestrator.audience", "scribe-orchestrator")
	v.SetDefault("orch.timeout", 10*time.Second)
	v.SetDefault("orch.max_retries", 3)
	v.SetDefault("orch.backoff_base", 200*time.Millisecond)
	v.SetDefault("orch.backoff_cap", 5*time.Second)
	v.SetDefault("orch.retry_budget", 30*time.Second)
	v.SetDefault("orch.concurrency", 8)

	// Dedup
	v.SetDefault("dedup.lease", 10*time.Minute)
	v.SetDefault("dedup.ttl", 14*24*time.Hour)
	v.SetDefault("dedup.include_session", true)

	// Auth
	v.SetDefault("auth.issuer", "scribe")
	v.SetDefault("auth.push_secret", "")
	v.SetDefault("auth.push_audience", "scribe-orchestrator")
	v.SetDefault("auth.require_push_auth", false)
	v.SetDefault("auth.task_secret", "")
	v.SetDefault("auth.task_audience", "")
	v.SetDefault("auth.token_ttl", time.Hour)

	// Worker
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff_initial", time.Second)
	v.SetDefault("worker.backoff_max", time.Minute)
	v.SetDefault("worker.rate_per_sec", 20.0)
	v.SetDefault("worker.burst", 10)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.call_timeout", 30*time.Second)

	// Retention
	v.SetDefault("retention.runs", time.Duration(0))
	v.SetDefault("retention.tasks", 7*24*time.Hour)
	v.SetDefault("janitor.cron", "*/15 * * * *")

	// Pipeline
	v.SetDefault("pipeline.file", "")
	for _, step := range pipeline.Default().Names() {
		v.SetDefault("steps."+step+".url", "")
	}
}
