// Package cli реализует scribectl — утилиту командной строки для оркестратора.
//
// # Обзор
//
// Команды run работают через HTTP API оркестратора и не импортируют
// internal/api: типы ответов продублированы в client.go.
// Команды key и event используют те же пакеты, что и сервисы, чтобы
// ключи и конверты совпадали байт в байт.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор обёрток
// (data, data+total, error) и отправку push-конвертов.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, err := client.ListRuns(cli.ListRunsOpts{Status: "FAILED"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: scribectl run list --json | jq .
//
// ## Commands
//
//   - run: start, list, show, tasks
//   - key: derive
//   - event: send
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
