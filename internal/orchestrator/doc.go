// Package orchestrator реализует движок выполнения графов операций.
//
// Orchestrator отвечает за:
//   - Захват блокировок ресурсов графа до первого шага
//   - Запуск готовых шагов на ограниченном пуле воркеров
//   - Передачу асинхронных job Poller'у и ожидание дочерних графов
//   - Откат выполненных шагов в обратном порядке зависимостей
//   - Финализацию графа (SUCCEEDED/FAILED/ROLLED_BACK) и его task
//   - Восстановление незавершённых графов после рестарта
//
// Состояние графа в памяти (WorkflowState) меняется только под его
// мьютексом; каждая смена статуса шага сохраняется в хранилище до того,
// как движок переходит к следующим шагам.
package orchestrator
