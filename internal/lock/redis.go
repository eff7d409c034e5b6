package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// RedisConfig — параметры RedisLocker.
type RedisConfig struct {
	// Prefix — префикс ключей блокировок (default: "strata:lock:").
	Prefix string

	// TTL — время жизни ключа; продлевается, пока блокировка удерживается.
	TTL time.Duration

	// Timeout — максимальное ожидание захвата.
	Timeout time.Duration

	// RetryDelay — пауза между попытками захвата.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// RedisLocker — распределённые блокировки ресурсов поверх redsync.
type RedisLocker struct {
	rs         *redsync.Redsync
	prefix     string
	ttl        time.Duration
	timeout    time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker создаёт RedisLocker.
func NewRedisLocker(client *redis.Client, cfg RedisConfig) *RedisLocker {
	l := &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     cfg.Prefix,
		ttl:        cfg.TTL,
		timeout:    cfg.Timeout,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}
	if l.prefix == "" {
		l.prefix = "strata:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Second
	}
	if l.retryDelay <= 0 {
		l.retryDelay = 100 * time.Millisecond
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Acquire реализует Locker.
func (l *RedisLocker) Acquire(ctx context.Context, ids ...string) (Release, error) {
	keys := Normalize(ids)
	if len(keys) == 0 {
		return Noop, nil
	}

	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]*redsync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := l.rs.NewMutex(l.prefix+key,
			redsync.WithExpiry(l.ttl),
			redsync.WithTries(1),
		)
		if err := l.lock(ctx, m); err != nil {
			l.unlockAll(held)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, err
		}
		held = append(held, m)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(held, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.unlockAll(held)
		})
	}, nil
}

// lock пытается захватить мьютекс, пока не истечёт ctx.
func (l *RedisLocker) lock(ctx context.Context, m *redsync.Mutex) error {
	for {
		err := m.LockContext(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

// keepAlive продлевает TTL удерживаемых ключей.
func (l *RedisLocker) keepAlive(held []*redsync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, m := range held {
				if ok, err := m.ExtendContext(context.Background()); !ok || err != nil {
					l.logger.Warn("failed to extend resource lock", "lock", m.Name(), "error", err)
				}
			}
		}
	}
}

func (l *RedisLocker) unlockAll(held []*redsync.Mutex) {
	for i := len(held) - 1; i >= 0; i-- {
		if _, err := held[i].UnlockContext(context.Background()); err != nil {
			l.logger.Warn("failed to release resource lock", "lock", held[i].Name(), "error", err)
		}
	}
}
