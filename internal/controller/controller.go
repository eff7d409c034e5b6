// Package controller — блочный контроллер: превращает запросы к томам
// в графы операций и отдаёт их движку.
//
// Каждый запрос возвращает task, через которую вызывающий наблюдает за
// результатом. Ingest создаёт отдельный граф и task на каждый том, чтобы
// ошибка одного тома не откатывала остальные. Пересканирование хоста
// выполняется как leaf task без графа.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Strata/internal/completer"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/lock"
	"github.com/shaiso/Strata/internal/orchestrator"
	"github.com/shaiso/Strata/internal/repo"
	"github.com/shaiso/Strata/internal/telemetry"
)

// ErrInvalidRequest — некорректный запрос к контроллеру.
var ErrInvalidRequest = errors.New("invalid request")

// VolumeSpec — запрос на операцию с томом.
type VolumeSpec struct {
	VolumeID string `json:"volume_id"`
	ArrayID  string `json:"array_id,omitempty"`
	SizeGB   int    `json:"size_gb,omitempty"`

	// HostID — хост, к которому подключается том (опционально).
	HostID string `json:"host_id,omitempty"`

	// Schedule — расписание снапшотов, например "hourly" (опционально).
	Schedule string `json:"schedule,omitempty"`

	// ReplicaArrayID — массив для реплики (опционально).
	ReplicaArrayID string `json:"replica_array_id,omitempty"`
}

func (s VolumeSpec) args() VolumeArgs {
	return VolumeArgs{
		VolumeID:       s.VolumeID,
		ArrayID:        s.ArrayID,
		SizeGB:         s.SizeGB,
		HostID:         s.HostID,
		Schedule:       s.Schedule,
		ReplicaArrayID: s.ReplicaArrayID,
	}
}

// Config — конфигурация Controller.
type Config struct {
	Orchestrator *orchestrator.Orchestrator

	// Executor и Locker используются для leaf task (пересканирование хоста).
	Executor *executor.Executor
	Locker   lock.Locker

	Store  *repo.Store
	Logger *slog.Logger
}

// Controller — блочный контроллер.
type Controller struct {
	orch   *orchestrator.Orchestrator
	exec   *executor.Executor
	locker lock.Locker
	store  *repo.Store
	logger *slog.Logger

	wg sync.WaitGroup
}

// New создаёт Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker(lock.DefaultTimeout)
	}
	return &Controller{
		orch:   cfg.Orchestrator,
		exec:   cfg.Executor,
		locker: locker,
		store:  cfg.Store,
		logger: logger,
	}
}

// CreateVolume запускает создание тома.
func (c *Controller) CreateVolume(ctx context.Context, spec VolumeSpec) (*domain.Task, error) {
	if spec.VolumeID == "" || spec.SizeGB <= 0 {
		return nil, fmt.Errorf("%w: volume_id and positive size_gb are required", ErrInvalidRequest)
	}
	g, err := CreateVolumeGraph(spec)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	return c.submit(ctx, g, domain.NewTask(g.Name, g.Resources()))
}

// DeleteVolume запускает удаление тома.
func (c *Controller) DeleteVolume(ctx context.Context, spec VolumeSpec) (*domain.Task, error) {
	if spec.VolumeID == "" {
		return nil, fmt.Errorf("%w: volume_id is required", ErrInvalidRequest)
	}
	g, err := DeleteVolumeGraph(spec)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	return c.submit(ctx, g, domain.NewTask(g.Name, g.Resources()))
}

// Ingest берёт неуправляемые тома под управление: один граф и одна task на том.
//
// Ошибка запуска одного тома не мешает остальным; возвращаются task
// запущенных томов и объединённая ошибка.
func (c *Controller) Ingest(ctx context.Context, specs []VolumeSpec) ([]*domain.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no volumes to ingest", ErrInvalidRequest)
	}

	tasks := make([]*domain.Task, 0, len(specs))
	var errs []error
	for _, spec := range specs {
		if spec.VolumeID == "" {
			errs = append(errs, fmt.Errorf("%w: volume_id is required", ErrInvalidRequest))
			continue
		}
		g, err := IngestGraph(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("ingest %s: %w", spec.VolumeID, err))
			continue
		}
		task, err := c.submit(ctx, g, domain.NewTask(g.Name, []string{spec.VolumeID}))
		if err != nil {
			errs = append(errs, fmt.Errorf("ingest %s: %w", spec.VolumeID, err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, errors.Join(errs...)
}

func (c *Controller) submit(ctx context.Context, g *engine.Graph, task *domain.Task) (*domain.Task, error) {
	_, task, err := c.orch.Submit(ctx, g, orchestrator.WithTask(task))
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", g.Name, err)
	}
	return task, nil
}

// RescanHost пересканирует хост. Операция выполняется как leaf task:
// блокировка хоста, вызов адаптера и завершение task через Completer.
func (c *Controller) RescanHost(ctx context.Context, hostID string) (*domain.Task, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: host id is required", ErrInvalidRequest)
	}
	if c.exec == nil {
		return nil, fmt.Errorf("%w: no executor configured", ErrInvalidRequest)
	}

	task := domain.NewTask("rescan host "+hostID, []string{hostID})
	if err := c.store.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.rescan(ctx, task, hostID)
	}()

	return task, nil
}

func (c *Controller) rescan(ctx context.Context, task *domain.Task, hostID string) {
	logger := telemetry.WithTaskID(c.logger, task.ID.String())

	release, err := c.locker.Acquire(ctx, hostID)
	if err != nil {
		logger.Warn("failed to lock host", "host_id", hostID, "error", err)
		busy := fault.Businessf(fault.CodeResourceBusy, "lock host %s: %v", hostID, err)
		if err := completer.New(completer.WithTasks(c.store.Tasks, task.ID), completer.WithLogger(c.logger)).Error(ctx, busy); err != nil {
			logger.Error("failed to complete task", "error", err)
		}
		return
	}

	done := completer.New(
		completer.WithLocks(release),
		completer.WithTasks(c.store.Tasks, task.ID),
		completer.WithLogger(c.logger),
	)

	out := c.exec.Execute(ctx, executor.Invocation{
		StepID:  task.ID.String(),
		StepKey: OpHostRescan,
		Phase:   domain.PhaseForward,
		Action:  hostAction(OpHostRescan, hostID),
	})

	switch out.Kind {
	case executor.OutcomeSucceeded:
		err = done.Ready(ctx, out.Message)
	case executor.OutcomeFailed:
		err = done.Error(ctx, out.Fault)
	default:
		err = done.Error(ctx, fault.Businessf(fault.CodeAdapterError,
			"%s must complete synchronously, got %s", OpHostRescan, out.Kind))
	}
	if err != nil {
		logger.Error("failed to complete rescan task", "error", err)
		return
	}
	logger.Info("host rescan finished", "host_id", hostID, "outcome", out.Kind)
}

// Wait ждёт завершения фоновых leaf task.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// RegisterHandlers регистрирует обработчики, которые реализует сам контроллер.
func RegisterHandlers(reg *executor.Registry) {
	reg.RegisterFunc(OpVolumeReplicate, replicate)
}

// replicate запускает дочерний граф репликации; шаг родителя ждёт его завершения.
func replicate(ctx context.Context, inv executor.Invocation) (*executor.Result, error) {
	args, err := ParseVolumeArgs(inv.Action)
	if err != nil {
		return nil, fault.Business(fault.CodeAdapterError, err.Error())
	}
	if args.ReplicaArrayID == "" {
		return nil, fault.Businessf(fault.CodeAdapterError, "%s: replica_array_id is required", OpVolumeReplicate)
	}

	g, err := ReplicationGraph(args)
	if err != nil {
		return nil, fault.Businessf(fault.CodeAdapterError, "build replication graph: %v", err)
	}
	id, err := inv.SubmitChild(ctx, g)
	if err != nil {
		return nil, fault.Businessf(fault.CodeAdapterError, "submit replication graph: %v", err)
	}
	return &executor.Result{
		Message:         fmt.Sprintf("replication workflow %s started", id),
		ChildWorkflowID: &id,
	}, nil
}
