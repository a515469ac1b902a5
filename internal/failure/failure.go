// Package failure классифицирует ошибки на повторяемые и перманентные.
//
// Классификация тотальна: всё, что не распознано как перманентное,
// считается повторяемым.
package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Class — класс исхода операции.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassRetryable Class = "retryable"
	ClassPermanent Class = "permanent"
)

// Базовые перманентные ошибки.
var (
	// ErrMalformed — сообщение не удалось разобрать.
	ErrMalformed = errors.New("malformed message")

	// ErrValidation — сообщение разобрано, но не прошло проверку.
	ErrValidation = errors.New("validation failed")

	// ErrSimulated — отказ, вызванный simulate_failure.
	ErrSimulated = errors.New("simulated failure")
)

// Error — ошибка с явным классом.
type Error struct {
	Class  Class
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable помечает ошибку как повторяемую.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRetryable, Err: err}
}

// Permanent помечает ошибку как перманентную.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// Retryablef создаёт повторяемую ошибку из формата.
func Retryablef(format string, args ...any) error {
	return &Error{Class: ClassRetryable, Err: fmt.Errorf(format, args...)}
}

// Permanentf создаёт перманентную ошибку из формата.
func Permanentf(format string, args ...any) error {
	return &Error{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// IsPermanent — сокращение для Classify(err) == ClassPermanent.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// IsRetryable — сокращение для Classify(err) == ClassRetryable.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}

// Classify определяет класс ошибки. nil — успех.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}

	// Явная классификация побеждает (внешний слой важнее).
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}

	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrValidation) {
		return ClassPermanent
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassPermanent
	}

	// Таймауты и отмена: сообщение будет доставлено повторно.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	return ClassRetryable
}
