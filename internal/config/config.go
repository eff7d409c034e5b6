// Package config загружает конфигурацию процесса и предоставляет
// источники runtime-флагов.
//
// Приоритет значений конфигурации:
//  1. Переменные окружения с префиксом STRATA_ (STRATA_HTTP_PORT)
//  2. Файл strata.yaml (текущий каталог, ./config, /etc/strata)
//  3. Значения по умолчанию
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "STRATA"

// Config — конфигурация контроллера.
type Config struct {
	HTTPPort string `mapstructure:"http_port"`

	// DBDriver — "postgres", "sqlite" или "memory".
	DBDriver string `mapstructure:"db_driver"`
	DBURL    string `mapstructure:"db_url"`

	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	RedisAddr   string `mapstructure:"redis_addr"`

	// Engine
	Workers       int           `mapstructure:"workers"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`

	// InstanceID — владелец аренды графов (пусто — случайный UUID на запуск).
	InstanceID string        `mapstructure:"instance_id"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`

	// Poller
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollWorkers   int           `mapstructure:"poll_workers"`
	MaxPollErrors int           `mapstructure:"max_poll_errors"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`

	// Archiver
	ArchiveSchedule  string        `mapstructure:"archive_schedule"`
	ArchiveRetention time.Duration `mapstructure:"archive_retention"`

	// FlagsFile — файл runtime-флагов (fault injection), перечитывается на лету.
	FlagsFile string `mapstructure:"flags_file"`

	// AdapterURL — базовый URL REST-адаптера массива (пусто — встроенный симулятор).
	AdapterURL string `mapstructure:"adapter_url"`
}

// SetDefaults задаёт значения по умолчанию.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "8080")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_url", "strata.db")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("workers", 8)
	v.SetDefault("lock_timeout", 30*time.Second)
	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay", 500*time.Millisecond)
	v.SetDefault("instance_id", "")
	v.SetDefault("lease_ttl", 30*time.Second)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("poll_workers", 4)
	v.SetDefault("max_poll_errors", 5)
	v.SetDefault("job_timeout", time.Duration(0))
	v.SetDefault("archive_schedule", "@every 1h")
	v.SetDefault("archive_retention", 24*time.Hour)
	v.SetDefault("flags_file", "")
	v.SetDefault("adapter_url", "")
}

// New создаёт viper с префиксом окружения и путями поиска файла.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("strata")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")
	v.AddConfigPath("/etc/strata")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load читает конфигурацию из файла и окружения.
func Load() (*Config, error) {
	return LoadFrom(New())
}

// LoadFrom читает конфигурацию из подготовленного viper.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", c.LeaseTTL)
	}
	if c.MaxPollErrors <= 0 {
		return fmt.Errorf("max_poll_errors must be positive, got %d", c.MaxPollErrors)
	}
	return nil
}
