// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий движка
//   - consumer.go   — потребление сообщений из очередей
//   - jobs.go       — обработчик уведомлений о job для Poller
//
// Типы сообщений:
//   - step.transition    — шаг перешёл в новый статус
//   - workflow.finished  — граф завершён
//   - job.completed      — адаптер сообщил состояние job
//
// Exchanges:
//   - strata.events — события движка (topic)
//   - strata.jobs   — уведомления о job
//   - strata.dlq    — dead letter queue
package mq
