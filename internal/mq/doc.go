// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий и задач
//   - consumer.go   — потребление сообщений из очередей
//
// Тело сообщения в scribe.events — JSON события pipeline как есть.
// Заголовок x-ordering-key содержит run_id: события одного run
// обрабатываются оркестратором последовательно (prefetch 1).
//
// Exchanges:
//   - scribe.events        — события шагов и уведомления о новых объектах (topic)
//   - scribe.tasks         — задачи доставки шагов (direct)
//   - scribe.notifications — run.completed для внешних подписчиков (fanout)
//   - scribe.dlq           — dead letter
package mq
