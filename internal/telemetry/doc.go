// Package telemetry — логирование и метрики процессов Scribe.
//
// Логи пишутся через slog с полями run_id, step, task_key и
// correlation_id. Метрики регистрируются в реестре Prometheus по
// умолчанию и отдаются каждым процессом на /metrics.
package telemetry
