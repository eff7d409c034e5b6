// Package cli реализует инструмент командной строки Strata.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия со Strata API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для наблюдения за графами операций и task,
// отмены графов и запуска операций блочного контроллера.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Strata API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	workflows, err := client.ListWorkflows(cli.ListWorkflowsOpts{State: "active"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (encoding/json) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: strata workflow list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - workflow: list, show, steps, cancel
//   - task: show
//   - volume: create, delete, ingest
//   - host: rescan
//
// Каждая группа создаётся через фабричную функцию (NewWorkflowCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
