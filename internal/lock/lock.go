// Package lock реализует Resource Lock — взаимное исключение по
// идентификатору ресурса.
//
// Несколько ресурсов захватываются в глобальном порядке (сортировка по
// идентификатору), ожидание ограничено таймаутом. Это исключает
// взаимоблокировку графов, которые касаются пересекающихся ресурсов.
//
// Реализации:
//   - MemoryLocker — в пределах процесса (semaphore на ключ)
//   - RedisLocker — между репликами контроллера (redsync)
package lock

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrLockTimeout — ресурс не освободился за отведённое время.
var ErrLockTimeout = errors.New("resource lock timeout")

// DefaultTimeout — время ожидания блокировки по умолчанию.
const DefaultTimeout = 30 * time.Second

// Release освобождает захваченные блокировки. Повторный вызов безопасен.
type Release func()

// Noop — Release, который ничего не делает.
func Noop() {}

// Locker захватывает блокировки ресурсов.
type Locker interface {
	// Acquire захватывает все ids (в отсортированном порядке) или ни одного.
	Acquire(ctx context.Context, ids ...string) (Release, error)
}

// Normalize сортирует идентификаторы, убирает пустые и дубликаты.
func Normalize(ids []string) []string {
	set := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || set[id] {
			continue
		}
		set[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
