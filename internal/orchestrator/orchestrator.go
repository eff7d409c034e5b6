package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/lock"
	"github.com/shaiso/Strata/internal/poller"
	"github.com/shaiso/Strata/internal/repo"
	"github.com/shaiso/Strata/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

// Default configuration values.
const (
	defaultWorkers   = 8
	defaultLeaseTTL  = 30 * time.Second
	defaultLockRetry = time.Second
	maxLockRetry     = 30 * time.Second
)

// Publisher публикует события движка (RabbitMQ). Необязателен.
type Publisher interface {
	PublishStepTransition(ctx context.Context, step domain.Step) error
	PublishWorkflowFinished(ctx context.Context, wf domain.Workflow) error
}

// Orchestrator — движок выполнения графов операций.
type Orchestrator struct {
	store     *repo.Store
	exec      *executor.Executor
	poller    *poller.Poller
	locker    lock.Locker
	publisher Publisher
	clock     clock.Clock

	// id — владелец аренды корневых графов этого экземпляра.
	id        string
	leaseTTL  time.Duration
	lockRetry time.Duration

	// sem ограничивает число одновременно выполняемых действий шагов.
	sem *semaphore.Weighted

	// Active workflows — графы в процессе выполнения (workflowID → state)
	active map[uuid.UUID]*WorkflowState
	mu     sync.RWMutex

	// Lifecycle
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store    *repo.Store
	Executor *executor.Executor

	// Poller — опрос асинхронных job. Если nil, job завершаются ошибкой LostJob.
	Poller *poller.Poller

	// Locker — блокировки ресурсов (default: MemoryLocker).
	Locker lock.Locker

	// Publisher — события движка (опционально).
	Publisher Publisher

	// Workers — размер пула действий шагов (default: 8).
	Workers int

	// ID — идентификатор экземпляра, владелец аренды корневых графов
	// (default: случайный UUID).
	ID string

	// LeaseTTL — срок аренды графа, продлевается каждые LeaseTTL/3 (default: 30s).
	LeaseTTL time.Duration

	// LockRetry — первая пауза между попытками захвата блокировок
	// восстановленного графа (default: 1s, удваивается до 30s).
	LockRetry time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// New создаёт новый Orchestrator и подключает его к Poller'у как Resolver.
func New(cfg Config) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker(lock.DefaultTimeout)
	}

	exec := cfg.Executor
	if exec == nil {
		exec = executor.New(executor.Config{Logger: logger})
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	lockRetry := cfg.LockRetry
	if lockRetry <= 0 {
		lockRetry = defaultLockRetry
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:     cfg.Store,
		exec:      exec,
		poller:    cfg.Poller,
		locker:    locker,
		publisher: cfg.Publisher,
		clock:     clk,
		id:        id,
		leaseTTL:  leaseTTL,
		lockRetry: lockRetry,
		sem:       semaphore.NewWeighted(int64(workers)),
		active:    make(map[uuid.UUID]*WorkflowState),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	if o.poller != nil {
		o.poller.SetResolver(o)
	}

	return o
}

// Start запускает Orchestrator и его Poller.
// Остановка ctx равносильна Stop без ожидания.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("starting orchestrator", "instance_id", o.id)

	context.AfterFunc(ctx, o.cancel)

	if o.poller != nil {
		if err := o.poller.Start(o.ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	o.goBackground(o.maintainLeases)

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
//
// Выполняющиеся действия прерываются, их результат не записывается:
// шаги остаются в EXECUTING/ROLLING_BACK и подхватываются Recover
// следующего экземпляра. Блокировки и аренда незавершённых графов
// освобождаются.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator...")

	o.cancel()
	o.wg.Wait()

	if o.poller != nil {
		o.poller.Stop()
	}

	o.mu.Lock()
	var roots []uuid.UUID
	for id, st := range o.active {
		st.mu.Lock()
		if st.release != nil {
			st.release()
			st.release = nil
		}
		st.mu.Unlock()
		if !st.Workflow.IsChild() {
			roots = append(roots, id)
		}
	}
	active := len(o.active)
	o.active = make(map[uuid.UUID]*WorkflowState)
	o.mu.Unlock()
	telemetry.ActiveWorkflows.Set(0)

	for _, id := range roots {
		if err := o.store.Workflows.ReleaseLease(context.Background(), id, o.id); err != nil {
			o.logger.Warn("failed to release workflow lease", "workflow_id", id, "error", err)
		}
	}

	o.logger.Info("orchestrator stopped", "active_workflows", active)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stopped
}

// SubmitOption настраивает Submit.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	task   *domain.Task
	parent *childLink
}

// WithTask задаёт task графа. По умолчанию task создаётся по имени графа.
func WithTask(task *domain.Task) SubmitOption {
	return func(o *submitOptions) { o.task = task }
}

// Submit сохраняет граф и запускает его выполнение.
//
// Ошибки построения графа (пустой граф, цикл, неизвестный предшественник)
// возвращаются сразу, ничего не сохраняется. Ошибки шагов в Submit не
// возвращаются: они отражаются в статусах шагов, графа и task.
func (o *Orchestrator) Submit(ctx context.Context, g *engine.Graph, opts ...SubmitOption) (*domain.Workflow, *domain.Task, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}
	return o.submit(ctx, g, so)
}

func (o *Orchestrator) submit(ctx context.Context, g *engine.Graph, so submitOptions) (*domain.Workflow, *domain.Task, error) {
	if o.IsStopped() {
		return nil, nil, ErrOrchestratorStopped
	}

	dag, err := g.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build graph %s: %w", g.Name, err)
	}

	var parent *WorkflowState
	if so.parent != nil {
		parent = o.getActive(so.parent.workflowID)
		if parent == nil {
			return nil, nil, fmt.Errorf("%w: parent %s", ErrWorkflowNotActive, so.parent.workflowID)
		}
	}

	now := o.clock.Now().UTC()

	task := so.task
	if task == nil {
		task = domain.NewTask(g.Name, g.Resources())
	}
	task.WorkflowID = &g.ID

	wf := &domain.Workflow{
		ID:        g.ID,
		Name:      g.Name,
		TaskID:    task.ID,
		Status:    domain.WorkflowStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}
	if so.parent != nil {
		parentID := so.parent.workflowID
		wf.ParentWorkflowID = &parentID
		wf.ParentStepID = so.parent.stepID
		wf.ParentPhase = so.parent.phase
	} else {
		until := now.Add(o.leaseTTL)
		wf.Owner = o.id
		wf.LeaseUntil = &until
	}

	// Порядок сохранения: task, шаги, граф.
	if err := o.store.Tasks.Create(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}
	if err := o.store.Steps.CreateBatch(ctx, g.Steps()); err != nil {
		return nil, nil, fmt.Errorf("create steps: %w", err)
	}
	if err := o.store.Workflows.Create(ctx, wf); err != nil {
		return nil, nil, fmt.Errorf("create workflow: %w", err)
	}

	st := NewWorkflowState(wf, dag)
	st.parent = parent
	if err := o.addActive(st); err != nil {
		return nil, nil, err
	}

	var inherited map[string]bool
	if parent != nil {
		inherited = parent.heldResources()
		o.recordChild(ctx, parent, so.parent, wf.ID)
	}

	logger := telemetry.WithWorkflowID(o.logger, wf.ID.String())
	logger.Info("workflow submitted",
		"name", wf.Name,
		"steps", dag.Size(),
		"task_id", task.ID,
		"parent_workflow_id", wf.ParentWorkflowID,
	)

	st.mu.Lock()
	resources := st.lockSet(inherited)
	st.mu.Unlock()

	o.goBackground(func(ctx context.Context) {
		o.acquireAndRun(ctx, st, resources, nil)
	})

	return wf, task, nil
}

// childLink связывает дочерний граф с шагом родителя.
type childLink struct {
	o          *Orchestrator
	workflowID uuid.UUID
	stepID     string
	phase      domain.Phase
}

// SubmitChild реализует executor.ChildSubmitter.
func (l *childLink) SubmitChild(ctx context.Context, g *engine.Graph) (uuid.UUID, error) {
	wf, _, err := l.o.submit(ctx, g, submitOptions{parent: l})
	if err != nil {
		return uuid.Nil, err
	}
	return wf.ID, nil
}

// recordChild сохраняет ID дочернего графа в шаге родителя.
func (o *Orchestrator) recordChild(ctx context.Context, parent *WorkflowState, link *childLink, childID uuid.UUID) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	step := parent.step(link.stepID)
	if step == nil {
		return
	}
	step.ChildWorkflowID = &childID
	o.saveStep(ctx, step)
}

// acquireAndRun захватывает блокировки графа и запускает шаги.
// resume вызывается после захвата блокировок до первого продвижения графа.
//
// Новый граф, не получивший блокировки, завершается с RESOURCE_BUSY.
// Восстановленный граф (resume != nil) в откат из-за блокировок не уходит:
// попытки повторяются, пока блокировки не захвачены или граф не брошен.
func (o *Orchestrator) acquireAndRun(ctx context.Context, st *WorkflowState, resources []string, resume func(ctx context.Context)) {
	logger := telemetry.WithWorkflowID(o.logger, st.WorkflowID().String())
	defer close(st.ready)

	// Унаследованные блокировки должны быть захвачены предком.
	if st.parent != nil {
		select {
		case <-st.parent.ready:
		case <-ctx.Done():
			return
		}
	}

	var release lock.Release
	var err error
	if resume != nil {
		release, err = o.acquireRecovered(ctx, st, resources, logger)
	} else {
		release, err = o.acquire(ctx, st, resources)
	}

	if err != nil {
		if ctx.Err() != nil || resume != nil {
			logger.Debug("lock acquisition stopped", "resources", resources, "error", err)
			return
		}
		logger.Warn("failed to acquire resource locks", "resources", resources, "error", err)

		code := fault.CodeResourceBusy
		if !errors.Is(err, lock.ErrLockTimeout) {
			code = fault.CodeAdapterError
		}
		st.mu.Lock()
		st.started = true
		st.failed = true
		st.faults = append(st.faults, fault.Businessf(code, "acquire locks %v: %v", resources, err))
		st.mu.Unlock()

		o.advance(ctx, st)
		return
	}

	logger.Debug("resource locks acquired", "resources", resources)

	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		release()
		return
	}
	st.release = release
	st.locked = true
	st.started = true
	st.mu.Unlock()

	if resume != nil {
		resume(ctx)
	}

	o.advance(ctx, st)
}

// acquire выполняет одну попытку захвата блокировок графа.
func (o *Orchestrator) acquire(ctx context.Context, st *WorkflowState, resources []string) (lock.Release, error) {
	start := o.clock.Now()
	release, err := o.locker.Acquire(ctx, resources...)
	telemetry.LockWait.Observe(o.clock.Now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	if st.parent != nil && !st.parent.isLocked() {
		release()
		return nil, fmt.Errorf("%w: parent workflow holds no locks", lock.ErrLockTimeout)
	}
	return release, nil
}

// acquireRecovered повторяет захват блокировок с экспоненциальной паузой
// до успеха, отмены ctx или отказа от графа.
func (o *Orchestrator) acquireRecovered(ctx context.Context, st *WorkflowState, resources []string, logger *slog.Logger) (lock.Release, error) {
	var release lock.Release
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if st.isFinished() {
				return ErrWorkflowAbandoned
			}
			r, err := o.acquire(ctx, st, resources)
			if err != nil {
				return err
			}
			release = r
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrWorkflowAbandoned) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("recovered workflow is waiting for resource locks",
				"resources", resources, "attempt", attempt, "error", err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       o.lockRetry,
		MaxDelay:    maxLockRetry,
		BackoffFunc: retry.DoubleDelay,
		Clock:       o.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, err
	}
	return release, nil
}

// Cancel отменяет граф: новые шаги не запускаются, выполненные откатываются
// после завершения текущих действий. Отмена распространяется на дочерние графы.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	st := o.getActive(workflowID)
	if st == nil {
		wf, err := o.store.Workflows.GetByID(ctx, workflowID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
			}
			return fmt.Errorf("get workflow: %w", err)
		}
		if wf.IsFinished() {
			return fmt.Errorf("%w: %s", ErrWorkflowFinished, workflowID)
		}
		return fmt.Errorf("%w: %s", ErrWorkflowNotActive, workflowID)
	}

	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowFinished, workflowID)
	}
	st.Workflow.Cancelled = true
	st.failed = true
	if err := o.store.Workflows.Update(context.WithoutCancel(ctx), st.Workflow); err != nil {
		o.logger.Error("failed to persist cancellation", "workflow_id", workflowID, "error", err)
	}
	st.mu.Unlock()

	o.logger.Info("workflow cancelled", "workflow_id", workflowID)

	for _, child := range o.children(workflowID) {
		if err := o.Cancel(ctx, child); err != nil && !errors.Is(err, ErrWorkflowFinished) {
			o.logger.Warn("failed to cancel child workflow", "workflow_id", child, "error", err)
		}
	}

	o.goBackground(func(ctx context.Context) {
		o.advance(ctx, st)
	})
	return nil
}

// Get возвращает граф из хранилища.
func (o *Orchestrator) Get(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	wf, err := o.store.Workflows.GetByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, err
	}
	return wf, nil
}

// goBackground запускает фоновую работу движка.
func (o *Orchestrator) goBackground(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

// children возвращает активные дочерние графы.
func (o *Orchestrator) children(parentID uuid.UUID) []uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]uuid.UUID, 0)
	for id, st := range o.active {
		if p := st.Workflow.ParentWorkflowID; p != nil && *p == parentID {
			out = append(out, id)
		}
	}
	return out
}

// getActive возвращает активный WorkflowState.
func (o *Orchestrator) getActive(workflowID uuid.UUID) *WorkflowState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[workflowID]
}

// addActive добавляет граф в активные.
func (o *Orchestrator) addActive(st *WorkflowState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrOrchestratorStopped
	}
	if _, exists := o.active[st.WorkflowID()]; exists {
		return ErrWorkflowAlreadyActive
	}

	o.active[st.WorkflowID()] = st
	telemetry.ActiveWorkflows.Set(float64(len(o.active)))
	return nil
}

// removeActive удаляет граф из активных.
func (o *Orchestrator) removeActive(workflowID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, workflowID)
	telemetry.ActiveWorkflows.Set(float64(len(o.active)))
}

// ActiveCount возвращает количество активных графов.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// Stats возвращает статистику по активному графу.
func (o *Orchestrator) Stats(workflowID uuid.UUID) (WorkflowStats, bool) {
	st := o.getActive(workflowID)
	if st == nil {
		return WorkflowStats{}, false
	}
	return st.Stats(), true
}
