// Package worker доставляет задачи шагов step-сервисам.
//
// # Обзор
//
// Worker — stateless компонент, который выполняет задачи (tasks),
// поставленные Dispatcher'ом. Workers масштабируются горизонтально:
// несколько экземпляров потребляют одну очередь tasks.ready и
// конкурируют за задачи через условное обновление в хранилище.
//
//	w := worker.New(worker.Config{
//	    Tasks:     repos.Tasks,
//	    Client:    dispatcher.NewStepClient(dispatcher.ClientConfig{Tokens: tokens}),
//	    Publisher: publisher,
//	    Conn:      mqConn,
//	    Logger:    logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Обработка task
//
//  1. Уведомление tasks.ready или polling due tasks
//  2. Захват: QUEUED с not_before <= now (или RUNNING с истёкшей арендой) → RUNNING, Attempt++
//  3. Событие <step>.started
//  4. Rate limit, вызов task-endpoint
//  5. Успех или 409 → SUCCEEDED
//  6. Перманентная ошибка → FAILED, <step>.failed {retryable: false}
//  7. Повторяемая ошибка → QUEUED с backoff, <step>.failed {retryable: true}
//  8. Попытки исчерпаны → DEAD, DLQ, <step>.failed {exhausted: true}
//
// # Retry
//
// Повтор выполняется через хранилище: задача возвращается в QUEUED с
// not_before, и её подберёт polling любого экземпляра.
//
// Стратегии backoff:
//   - "exponential": delay = initial * 2^(attempt-1), не больше max
//   - "fixed": delay = initial
package worker
