// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (хранилище, движок, контроллер, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (request id, logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - workflow_handler.go — обработчики для /workflows
//   - task_handler.go     — обработчики для /tasks
//   - volume_handler.go   — обработчики блочного контроллера (/volumes, /hosts)
//
// API позволяет наблюдать за графами операций и их task, отменять графы,
// запускать произвольные графы из JSON и операции блочного контроллера.
package api
