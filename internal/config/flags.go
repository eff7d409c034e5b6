package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// FlagSource — источник распределённых runtime-флагов (только чтение).
type FlagSource interface {
	Lookup(key string) (string, bool)
}

// StaticFlags — флаги в памяти процесса. Используется в тестах и как fallback.
type StaticFlags struct {
	mu    sync.RWMutex
	flags map[string]string
}

// NewStaticFlags создаёт StaticFlags с начальными значениями.
func NewStaticFlags(initial map[string]string) *StaticFlags {
	flags := make(map[string]string, len(initial))
	for k, v := range initial {
		flags[k] = v
	}
	return &StaticFlags{flags: flags}
}

// Lookup реализует FlagSource.
func (s *StaticFlags) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.flags[key]
	return v, ok
}

// Set устанавливает значение флага.
func (s *StaticFlags) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = value
}

// Delete удаляет флаг.
func (s *StaticFlags) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
}

// FileFlags — флаги из YAML-файла, перечитываются при изменении файла.
type FileFlags struct {
	v *viper.Viper
}

// NewFileFlags читает файл флагов и подписывается на его изменения.
func NewFileFlags(path string, logger *slog.Logger) (*FileFlags, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read flags file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("flags file changed", "path", e.Name)
	})
	v.WatchConfig()

	return &FileFlags{v: v}, nil
}

// Lookup реализует FlagSource.
func (f *FileFlags) Lookup(key string) (string, bool) {
	if !f.v.IsSet(key) {
		return "", false
	}
	return f.v.GetString(key), true
}

// DefaultRedisFlagsKey — hash в Redis, содержащий флаги.
const DefaultRedisFlagsKey = "strata:flags"

// RedisFlags — флаги в Redis hash, общие для всех реплик контроллера.
type RedisFlags struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisFlags создаёт RedisFlags поверх клиента.
func NewRedisFlags(client *redis.Client, key string, logger *slog.Logger) *RedisFlags {
	if key == "" {
		key = DefaultRedisFlagsKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFlags{client: client, key: key, timeout: 2 * time.Second, logger: logger}
}

// Lookup реализует FlagSource. Ошибки Redis считаются отсутствием флага.
func (r *RedisFlags) Lookup(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		r.logger.Warn("flag lookup failed", "key", key, "error", err)
		return "", false
	}
	return v, true
}

// Set устанавливает флаг в Redis.
func (r *RedisFlags) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

// Chain опрашивает источники по порядку и возвращает первое найденное значение.
type Chain []FlagSource

// Lookup реализует FlagSource.
func (c Chain) Lookup(key string) (string, bool) {
	for _, src := range c {
		if src == nil {
			continue
		}
		if v, ok := src.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}
