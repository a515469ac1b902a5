// Package api содержит HTTP API оркестратора.
//
// Структура:
//   - handler.go     — Handler с зависимостями (оркестратор, задачи, push, logger)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (correlation id, logging, recovery)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - run_handler.go — POST /run и чтение runs
//
// POST /run и POST /events/push — внутренние endpoints pipeline.
// /api/v1/runs — чтение состояния для людей и scribectl.
package api
