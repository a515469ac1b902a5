package failure

import "fmt"

// Режимы simulate_failure.
const (
	simulateRetryableOnce   = "retryable-once"
	simulateRetryableAlways = "retryable-always"
	simulatePermanent       = "permanent"
)

// ClassifySimulated вычисляет исход для режима simulate_failure и номера попытки доставки.
//
//	""                 — успех
//	"retryable-once"   — повторяемо только на первой попытке (attempt <= 1)
//	"retryable-always" — всегда повторяемо
//	"permanent"        — перманентно
//
// Неизвестный режим считается повторяемым.
func ClassifySimulated(mode string, deliveryAttempt int) (Class, error) {
	switch mode {
	case "":
		return ClassSuccess, nil
	case simulateRetryableOnce:
		if deliveryAttempt <= 1 {
			return ClassRetryable, &Error{Class: ClassRetryable, Reason: mode, Err: ErrSimulated}
		}
		return ClassSuccess, nil
	case simulateRetryableAlways:
		return ClassRetryable, &Error{Class: ClassRetryable, Reason: mode, Err: ErrSimulated}
	case simulatePermanent:
		return ClassPermanent, &Error{Class: ClassPermanent, Reason: mode, Err: ErrSimulated}
	default:
		return ClassRetryable, &Error{Class: ClassRetryable, Reason: fmt.Sprintf("unknown simulate mode %q", mode), Err: ErrSimulated}
	}
}
