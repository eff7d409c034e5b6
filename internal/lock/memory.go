package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// MemoryLocker — блокировки ресурсов в пределах процесса.
type MemoryLocker struct {
	timeout time.Duration

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker создаёт MemoryLocker с таймаутом ожидания.
func NewMemoryLocker(timeout time.Duration) *MemoryLocker {
	return &MemoryLocker{
		timeout: timeout,
		sems:    make(map[string]*semaphore.Weighted),
	}
}

// Acquire реализует Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, ids ...string) (Release, error) {
	keys := Normalize(ids)
	if len(keys) == 0 {
		return Noop, nil
	}

	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]*semaphore.Weighted, 0, len(keys))
	for _, key := range keys {
		sem := l.semaphore(key)
		if err := sem.Acquire(ctx, 1); err != nil {
			releaseSems(held)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, err
		}
		held = append(held, sem)
	}

	var once sync.Once
	return func() {
		once.Do(func() { releaseSems(held) })
	}, nil
}

func (l *MemoryLocker) semaphore(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	return sem
}

func releaseSems(sems []*semaphore.Weighted) {
	for i := len(sems) - 1; i >= 0; i-- {
		sems[i].Release(1)
	}
}
