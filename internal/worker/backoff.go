package worker

import "time"

// Виды backoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// BackoffPolicy — задержка между попытками доставки задачи.
type BackoffPolicy struct {
	Kind    string
	Initial time.Duration
	Max     time.Duration
}

// calculateBackoff вычисляет задержку перед попыткой attempt+1.
func calculateBackoff(attempt int, policy BackoffPolicy) time.Duration {
	initialDelay := policy.Initial
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := policy.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch policy.Kind {
	case BackoffFixed:
		delay = initialDelay
	default:
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
