// Package executor выполняет одно действие шага (прямое или компенсирующее).
//
// Executor отвечает за:
//   - проверку точки отказа (fault injection) до вызова адаптера
//   - поиск обработчика по тегу операции в Registry
//   - повтор транспортных ошибок с ограниченным числом попыток
//   - нормализацию ошибок адаптера в fault.Fault
//
// Результат выполнения — Outcome:
//
//	Succeeded  — действие завершилось синхронно
//	Failed     — действие завершилось ошибкой (Fault)
//	InProgress — адаптер вернул асинхронную job, её опрашивает Poller
//	Waiting    — действие запустило дочерний граф
//
// Executor не меняет статусы шагов: это делает движок через Completer.
package executor
