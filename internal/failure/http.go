package failure

import "net/http"

// ClassifyHTTP классифицирует ответ по HTTP-коду.
//
//	2xx      — успех
//	408, 429 — повторяемо
//	4xx      — перманентно
//	5xx      — повторяемо
//
// Прочие коды (1xx, 3xx) считаются повторяемыми.
func ClassifyHTTP(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ClassRetryable
	case status >= 400 && status < 500:
		return ClassPermanent
	default:
		return ClassRetryable
	}
}
