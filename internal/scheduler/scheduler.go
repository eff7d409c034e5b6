package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/shaiso/Strata/internal/repo"
	"github.com/shaiso/Strata/internal/telemetry"
)

// ErrAlreadyStarted возвращается при повторном Start.
var ErrAlreadyStarted = errors.New("archiver already started")

// Archiver — периодическая архивация завершённых графов.
type Archiver struct {
	workflows repo.WorkflowStore
	schedule  string
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Config — конфигурация Archiver.
type Config struct {
	Workflows repo.WorkflowStore
	Schedule  string        // расписание cron (default: "@every 1h")
	Retention time.Duration // сколько хранить завершённые графы (default: 24h)
	Clock     clock.Clock
	Logger    *slog.Logger
}

// New создаёт Archiver. Некорректное расписание — ошибка.
func New(cfg Config) (*Archiver, error) {
	if cfg.Workflows == nil {
		return nil, errors.New("workflow store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Archiver{
		workflows: cfg.Workflows,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "archiver"),
	}, nil
}

// Tick архивирует графы, завершённые раньше now - retention.
// Возвращает количество архивированных графов.
func (a *Archiver) Tick(ctx context.Context) (int, error) {
	before := a.clock.Now().Add(-a.retention)

	n, err := a.workflows.ArchiveFinished(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("archive finished workflows: %w", err)
	}

	if n > 0 {
		telemetry.WorkflowsArchived.Add(float64(n))
		a.logger.Info("workflows archived", "count", n, "finished_before", before)
	} else {
		a.logger.Debug("nothing to archive", "finished_before", before)
	}
	return n, nil
}

// Start запускает архивацию по расписанию. Пересекающиеся запуски пропускаются.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron != nil {
		return ErrAlreadyStarted
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(a.schedule, func() {
		if _, err := a.Tick(ctx); err != nil {
			a.logger.Error("archive tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule archiver: %w", err)
	}

	c.Start()
	a.cron = c

	a.logger.Info("archiver started", "schedule", a.schedule, "retention", a.retention)
	return nil
}

// Stop останавливает расписание и дожидается текущего запуска.
func (a *Archiver) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	a.logger.Info("archiver stopped")
}
