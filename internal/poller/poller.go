// Package poller опрашивает асинхронные job провайдеров.
//
// Каждая зарегистрированная job опрашивается с фиксированным интервалом
// в своей горутине; сами вызовы PollJob ограничены собственным пулом,
// отдельным от пула движка. Финальный статус job передаётся Completer'у.
//
// Job считается потерянной (LostJob), если:
//   - подряд MaxErrors опросов завершились ошибкой
//   - для типа устройства нет JobPoller
//   - job не завершилась за JobTimeout (если задан)
//
// Push-уведомления (очередь jobs.completed) доставляются через Notify
// и завершают опрос без ожидания следующего интервала.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

// Default configuration values.
const (
	defaultInterval  = 5 * time.Second
	defaultWorkers   = 4
	defaultMaxErrors = 5
)

// Completer завершает шаг, которому принадлежит job.
type Completer interface {
	Ready(ctx context.Context, message string) error
	Error(ctx context.Context, f *fault.Fault) error
}

// Resolver связывает job с шагом движка.
type Resolver interface {
	// Progress сохраняет изменившийся SubStatus job.
	Progress(ctx context.Context, h domain.JobHandle) error

	// CompleterFor возвращает Completer шага, которому принадлежит job.
	CompleterFor(h domain.JobHandle) Completer
}

// Config — конфигурация Poller.
type Config struct {
	Registry *executor.Registry
	Resolver Resolver

	// Interval — интервал опроса (default: 5s).
	Interval time.Duration

	// Workers — максимум одновременных вызовов PollJob (default: 4).
	Workers int

	// MaxErrors — подряд идущих ошибок опроса до LostJob (default: 5).
	MaxErrors int

	// JobTimeout — максимальное время жизни job; 0 — без ограничения.
	JobTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Poller — Async Job Poller.
type Poller struct {
	registry   *executor.Registry
	resolver   Resolver
	interval   time.Duration
	maxErrors  int
	jobTimeout time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	watches map[string]*watch
	wg      sync.WaitGroup
}

type watch struct {
	handle domain.JobHandle
	notify chan executor.JobState
}

// New создаёт Poller.
func New(cfg Config) *Poller {
	p := &Poller{
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		interval:   cfg.Interval,
		maxErrors:  cfg.MaxErrors,
		jobTimeout: cfg.JobTimeout,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		watches:    make(map[string]*watch),
	}
	if p.registry == nil {
		p.registry = executor.NewRegistry()
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.maxErrors <= 0 {
		p.maxErrors = defaultMaxErrors
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	p.sem = semaphore.NewWeighted(int64(workers))
	if p.clock == nil {
		p.clock = clock.WallClock
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// SetResolver задаёт Resolver. Вызывается до Start.
func (p *Poller) SetResolver(r Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolver = r
}

// Start запускает опрос уже зарегистрированных job.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, w := range p.watches {
		p.spawn(w)
	}

	p.logger.Info("job poller started", "interval", p.interval, "pending", len(p.watches))
	return nil
}

// Stop останавливает опрос. Незавершённые job остаются в записях шагов
// и переподхватываются при восстановлении.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("job poller stopped")
}

// Register начинает опрос job. Повторная регистрация той же job игнорируется.
func (p *Poller) Register(h domain.JobHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := jobKey(h.DeviceID, h.JobID)
	if _, ok := p.watches[key]; ok {
		return
	}

	w := &watch{handle: h, notify: make(chan executor.JobState, 1)}
	p.watches[key] = w
	telemetry.PendingJobs.Inc()

	if p.ctx != nil {
		p.spawn(w)
	}

	p.logger.Debug("job registered",
		"job_id", h.JobID,
		"device_id", h.DeviceID,
		"workflow_id", h.WorkflowID,
		"step_id", h.StepID,
		"phase", h.Phase,
	)
}

// Notify доставляет push-уведомление о job.
// Возвращает false, если job не опрашивается.
func (p *Poller) Notify(deviceID, jobID string, state executor.JobState) bool {
	p.mu.Lock()
	w, ok := p.watches[jobKey(deviceID, jobID)]
	p.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case w.notify <- state:
	default:
		// Предыдущее уведомление ещё не обработано.
	}
	return true
}

// Pending возвращает количество опрашиваемых job.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

// spawn запускает горутину опроса. Вызывается под p.mu.
func (p *Poller) spawn(w *watch) {
	ctx := p.ctx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, w)
	}()
}

// run опрашивает job до финального статуса или остановки Poller.
func (p *Poller) run(ctx context.Context, w *watch) {
	logger := p.logger.With("job_id", w.handle.JobID, "step_id", w.handle.StepID)

	var deadline <-chan time.Time
	if p.jobTimeout > 0 {
		left := p.jobTimeout - p.clock.Now().Sub(w.handle.RegisteredAt)
		if left < 0 {
			left = 0
		}
		deadline = p.clock.After(left)
	}

	errCount := 0
	for {
		select {
		case <-ctx.Done():
			// Job остаётся в записи шага, watch не удаляется из учёта.
			return

		case state := <-w.notify:
			if state.Status.IsTerminal() {
				p.finish(ctx, w, state, nil)
				return
			}
			p.progress(ctx, w, state)

		case <-deadline:
			p.finish(ctx, w, executor.JobState{}, fault.LostJob(w.handle.JobID,
				fmt.Sprintf("not finished within %s", p.jobTimeout)))
			return

		case <-p.clock.After(p.interval):
			state, err := p.poll(ctx, w.handle)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, executor.ErrNoPoller) {
					p.finish(ctx, w, executor.JobState{}, fault.LostJob(w.handle.JobID, err.Error()))
					return
				}

				errCount++
				telemetry.PollResults.WithLabelValues("error").Inc()
				logger.Warn("job poll failed", "attempt", errCount, "error", err)

				if errCount >= p.maxErrors {
					p.finish(ctx, w, executor.JobState{}, fault.LostJob(w.handle.JobID,
						fmt.Sprintf("%d consecutive poll errors, last: %v", errCount, err)))
					return
				}
				continue
			}

			errCount = 0
			if state.Status.IsTerminal() {
				p.finish(ctx, w, state, nil)
				return
			}
			telemetry.PollResults.WithLabelValues("pending").Inc()
			p.progress(ctx, w, state)
		}
	}
}

// poll выполняет один вызов PollJob в пределах пула.
func (p *Poller) poll(ctx context.Context, h domain.JobHandle) (executor.JobState, error) {
	jp, err := p.registry.Poller(h.TargetType)
	if err != nil {
		return executor.JobState{}, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return executor.JobState{}, err
	}
	defer p.sem.Release(1)

	return jp.PollJob(ctx, h)
}

// progress сохраняет изменившийся SubStatus.
func (p *Poller) progress(ctx context.Context, w *watch, state executor.JobState) {
	if state.SubStatus == "" || state.SubStatus == w.handle.SubStatus {
		return
	}
	w.handle.SubStatus = state.SubStatus

	if p.resolver == nil {
		return
	}
	if err := p.resolver.Progress(ctx, w.handle); err != nil {
		p.logger.Warn("failed to record job progress", "job_id", w.handle.JobID, "error", err)
	}
}

// finish передаёт финальный статус job Completer'у шага.
func (p *Poller) finish(ctx context.Context, w *watch, state executor.JobState, lost *fault.Fault) {
	p.mu.Lock()
	delete(p.watches, jobKey(w.handle.DeviceID, w.handle.JobID))
	p.mu.Unlock()
	telemetry.PendingJobs.Dec()

	var f *fault.Fault
	switch {
	case lost != nil:
		telemetry.PollResults.WithLabelValues("lost").Inc()
		f = lost
	case state.Status == executor.JobFailed:
		telemetry.PollResults.WithLabelValues("failed").Inc()
		msg := state.Message
		if msg == "" {
			msg = "job failed"
		}
		f = fault.Businessf(fault.CodeJobFailed, "job %s: %s", w.handle.JobID, msg)
	default:
		telemetry.PollResults.WithLabelValues("succeeded").Inc()
	}

	if p.resolver == nil {
		p.logger.Warn("no resolver for finished job", "job_id", w.handle.JobID)
		return
	}

	c := p.resolver.CompleterFor(w.handle)
	if c == nil {
		p.logger.Warn("finished job has no owner", "job_id", w.handle.JobID, "step_id", w.handle.StepID)
		return
	}

	var err error
	if f != nil {
		p.logger.Warn("job finished with error", "job_id", w.handle.JobID, "code", f.Code, "error", f.Message)
		err = c.Error(ctx, f)
	} else {
		msg := state.Message
		if msg == "" {
			msg = fmt.Sprintf("job %s succeeded", w.handle.JobID)
		}
		p.logger.Debug("job succeeded", "job_id", w.handle.JobID)
		err = c.Ready(ctx, msg)
	}
	if err != nil {
		p.logger.Error("failed to complete job step", "job_id", w.handle.JobID, "error", err)
	}
}

func jobKey(deviceID, jobID string) string {
	return deviceID + "/" + jobID
}
