// Package idempotency вычисляет детерминированные ключи: ключ run и имя задачи шага.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/shaiso/Scribe/internal/domain"
)

// Canonical возвращает каноническую строку "<bucket>/<name>@<generation>|<session_id>".
// Пустой session_id даёт завершающий "|".
func Canonical(bucket, name, generation, sessionID string) string {
	return bucket + "/" + name + "@" + generation + "|" + sessionID
}

// Derive возвращает hex sha256 канонической строки (64 символа, нижний регистр).
func Derive(bucket, name, generation, sessionID string) string {
	sum := sha256.Sum256([]byte(Canonical(bucket, name, generation, sessionID)))
	return hex.EncodeToString(sum[:])
}

// ForSource вычисляет ключ для объекта.
// includeSession=false исключает session_id из ключа.
func ForSource(src domain.Source, includeSession bool) string {
	session := ""
	if includeSession {
		session = src.SessionID
	}
	return Derive(src.Bucket, src.Name, src.Generation, session)
}

// TaskKey возвращает имя задачи доставки шага: "<step>-<run_id>".
func TaskKey(step, runID string) string {
	return step + "-" + runID
}
