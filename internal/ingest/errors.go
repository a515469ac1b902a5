package ingest

import "errors"

var (
	// ErrMissingFields — в уведомлении нет bucket, name или generation.
	ErrMissingFields = errors.New("missing object fields")

	// ErrNoOrchestrator — не задан адрес оркестратора.
	ErrNoOrchestrator = errors.New("orchestrator url is not configured")

	// ErrBudgetExhausted — общий бюджет времени на повторы исчерпан.
	ErrBudgetExhausted = errors.New("retry budget exhausted")
)
