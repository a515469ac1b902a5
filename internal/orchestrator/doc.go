// Package orchestrator — конечный автомат run.
//
// Orchestrator отвечает за:
//   - Создание run по запросу "start" (идемпотентно по run_id)
//   - Обработку событий шагов: started, completed, failed
//   - Вычисление следующего шага через pipeline.Definition
//   - Отправку шага через Dispatcher (ровно одна задача на шаг)
//   - Финализацию run (DONE/FAILED) и публикацию run.completed
//
// Orchestrator не хранит состояние между событиями: каждое событие
// обрабатывается транзакцией над документом run в хранилище.
package orchestrator
