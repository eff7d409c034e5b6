package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/completer"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/poller"
	"github.com/shaiso/Strata/internal/telemetry"
)

// dispatchItem — шаг, который нужно передать пулу воркеров.
type dispatchItem struct {
	stepID string
	phase  domain.Phase
	resume bool
}

// advance продвигает граф: запускает готовые шаги или откаты и
// финализирует граф, когда продвигаться больше некуда.
func (o *Orchestrator) advance(ctx context.Context, st *WorkflowState) {
	st.mu.Lock()
	if !st.started || st.finished {
		st.mu.Unlock()
		return
	}

	var items []dispatchItem
	var events []domain.Step

	if !st.failed {
		for _, node := range st.DAG.ReadyForward() {
			step := node.Step
			if !st.claim(step, domain.PhaseForward) {
				continue
			}
			o.transition(ctx, step, domain.PhaseForward, domain.StepStatusQueued, "")
			events = append(events, *step)
			items = append(items, dispatchItem{stepID: step.ID, phase: domain.PhaseForward})
		}
	} else {
		// Шаги без компенсации откатываются сразу; это может открыть
		// откат их предшественников, поэтому повторяем до неподвижной точки.
		for progressed := true; progressed; {
			progressed = false
			for _, node := range st.DAG.ReadyRollback() {
				step := node.Step
				if !step.HasRollback() {
					o.transition(ctx, step, domain.PhaseRollback, domain.StepStatusRolledBack, "no rollback action")
					events = append(events, *step)
					progressed = true
					continue
				}
				if !st.claim(step, domain.PhaseRollback) {
					continue
				}
				o.transition(ctx, step, domain.PhaseRollback, domain.StepStatusRollingBack, "")
				events = append(events, *step)
				items = append(items, dispatchItem{stepID: step.ID, phase: domain.PhaseRollback})
			}
		}
	}

	done := len(items) == 0 && !st.DAG.HasActive()
	if done && !st.failed && !st.DAG.IsComplete() {
		// Шаги ждут ресурса, занятого за пределами графа; такого быть не должно.
		o.logger.Error("workflow stalled without active steps", "workflow_id", st.WorkflowID())
	}
	st.mu.Unlock()

	o.publishSteps(ctx, events)

	for _, item := range items {
		o.dispatch(st, item)
	}

	if done {
		o.finalize(ctx, st)
	}
}

// dispatch передаёт шаг пулу воркеров.
func (o *Orchestrator) dispatch(st *WorkflowState, item dispatchItem) {
	o.goBackground(func(ctx context.Context) {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			// Движок останавливается; шаг подхватит Recover.
			return
		}
		defer o.sem.Release(1)

		o.runStep(ctx, st, item)
	})
}

// runStep выполняет действие шага и обрабатывает результат.
func (o *Orchestrator) runStep(ctx context.Context, st *WorkflowState, item dispatchItem) {
	st.mu.Lock()
	step := st.step(item.stepID)
	if step == nil || st.finished {
		st.mu.Unlock()
		return
	}

	if item.phase == domain.PhaseForward && !item.resume {
		if step.Status != domain.StepStatusQueued {
			st.mu.Unlock()
			return
		}
		if st.failed {
			// Граф упал, пока шаг ждал воркера: шаг так и не запускался.
			st.releaseResource(step, item.phase)
			o.transition(ctx, step, item.phase, domain.StepStatusCreated, "")
			st.mu.Unlock()
			o.advance(ctx, st)
			return
		}
		o.transition(ctx, step, item.phase, domain.StepStatusExecuting, "")
	}

	inv := executor.Invocation{
		WorkflowID:     st.WorkflowID(),
		StepID:         step.ID,
		StepKey:        step.Key,
		Phase:          item.phase,
		Action:         step.Action(item.phase),
		IdempotencyKey: executor.IdempotencyKey(step.ID, item.phase),
		Children: &childLink{
			o:          o,
			workflowID: st.WorkflowID(),
			stepID:     step.ID,
			phase:      item.phase,
		},
	}
	snapshot := *step
	st.mu.Unlock()

	o.publishSteps(ctx, []domain.Step{snapshot})

	logger := telemetry.WithStepID(telemetry.WithWorkflowID(o.logger, inv.WorkflowID.String()), step.ID, inv.StepKey)
	logger.Info("step action started", "phase", item.phase, "operation", inv.Action.Operation)

	out := o.exec.Execute(ctx, inv)

	if ctx.Err() != nil {
		logger.Warn("orchestrator stopping, step outcome left for recovery", "outcome", out.Kind)
		return
	}

	o.handleOutcome(ctx, st, inv, out)
}

// handleOutcome применяет результат Executor'а.
func (o *Orchestrator) handleOutcome(ctx context.Context, st *WorkflowState, inv executor.Invocation, out executor.Outcome) {
	c := o.stepCompleter(inv.WorkflowID, inv.StepID, inv.Phase)

	switch out.Kind {
	case executor.OutcomeSucceeded:
		if err := c.Ready(ctx, out.Message); err != nil {
			o.logger.Error("failed to complete step", "step_id", inv.StepID, "error", err)
		}

	case executor.OutcomeFailed:
		if err := c.Error(ctx, out.Fault); err != nil {
			o.logger.Error("failed to complete step", "step_id", inv.StepID, "error", err)
		}

	case executor.OutcomeInProgress:
		if o.poller == nil {
			if err := c.Error(ctx, fault.LostJob(out.Job.JobID, "no job poller configured")); err != nil {
				o.logger.Error("failed to complete step", "step_id", inv.StepID, "error", err)
			}
			return
		}
		st.mu.Lock()
		step := st.step(inv.StepID)
		if step != nil && step.Status.IsActive() {
			step.Job = out.Job
			if out.Message != "" {
				step.Message = out.Message
			}
			o.saveStep(ctx, step)
		}
		st.mu.Unlock()
		o.poller.Register(*out.Job)

	case executor.OutcomeWaiting:
		// ID дочернего графа уже записан в шаг при его запуске;
		// результат придёт от Completer'а дочернего графа.
		o.logger.Debug("step waits for child workflow",
			"step_id", inv.StepID,
			"child_workflow_id", out.ChildWorkflowID,
		)
	}
}

// StepCompleted принимает результат действия шага (реализует completer.StepNotifier).
//
// Результат принимается, только если шаг выполняет действие этой фазы:
// EXECUTING для прямого действия, ROLLING_BACK для компенсации.
func (o *Orchestrator) StepCompleted(ctx context.Context, workflowID uuid.UUID, stepID string, phase domain.Phase, f *fault.Fault, message string) error {
	st := o.getActive(workflowID)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotActive, workflowID)
	}

	st.mu.Lock()
	step := st.step(stepID)
	if step == nil {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	expected := domain.StepStatusExecuting
	if phase == domain.PhaseRollback {
		expected = domain.StepStatusRollingBack
	}
	if step.Status != expected {
		st.mu.Unlock()
		return fmt.Errorf("%w: step %s is %s, result is for %s", ErrStaleCompletion, stepID, step.Status, phase)
	}

	logger := telemetry.WithStepID(telemetry.WithWorkflowID(o.logger, workflowID.String()), stepID, step.Key)

	switch {
	case phase == domain.PhaseForward && f == nil:
		step.ErrorCode = ""
		o.transition(ctx, step, phase, domain.StepStatusSucceeded, message)
		logger.Info("step succeeded")

	case phase == domain.PhaseForward:
		step.ErrorCode = f.Code
		o.transition(ctx, step, phase, domain.StepStatusFailed, message)
		st.faults = append(st.faults, f)
		if !st.failed {
			logger.Warn("step failed, rolling back workflow", "code", f.Code, "error", f.Message)
		}
		st.failed = true

	case f == nil:
		o.transition(ctx, step, phase, domain.StepStatusRolledBack, message)
		logger.Info("step rolled back")

	default:
		step.ErrorCode = f.Code
		o.transition(ctx, step, phase, domain.StepStatusRollbackFailed, message)
		st.compensations = append(st.compensations, fault.Compensation(step.ID, step.Description, f))
		logger.Error("step rollback failed", "code", f.Code, "error", f.Message)
	}

	st.releaseResource(step, phase)
	snapshot := *step
	st.mu.Unlock()

	o.publishSteps(ctx, []domain.Step{snapshot})
	o.advance(ctx, st)
	return nil
}

// finalize переводит граф в финальный статус и завершает его Completer.
func (o *Orchestrator) finalize(ctx context.Context, st *WorkflowState) {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return
	}
	st.finished = true

	wf := st.Workflow
	rollbackFailed := len(st.compensations) > 0
	errMsg := st.errorMessage()

	var status domain.WorkflowStatus
	switch {
	case !st.failed && st.DAG.IsComplete():
		status = domain.WorkflowStatusSucceeded
	case wf.Cancelled && st.onlyCancelled() && !rollbackFailed:
		status = domain.WorkflowStatusRolledBack
		errMsg = "cancelled"
	default:
		status = domain.WorkflowStatusFailed
	}

	wf.MarkFinished(status, errMsg, rollbackFailed)
	if err := o.store.Workflows.Update(context.WithoutCancel(ctx), wf); err != nil {
		o.logger.Error("failed to persist workflow status", "workflow_id", wf.ID, "error", err)
	}

	var wfFault *fault.Fault
	if status != domain.WorkflowStatusSucceeded {
		wfFault = o.workflowFault(st, status, errMsg)
	}

	release := st.release
	st.release = nil
	snapshot := *wf
	st.mu.Unlock()

	o.removeActive(wf.ID)
	telemetry.WorkflowsFinished.WithLabelValues(string(status)).Inc()

	o.logger.Info("workflow finished",
		"workflow_id", wf.ID,
		"name", wf.Name,
		"status", status,
		"rollback_failed", rollbackFailed,
		"duration", wf.Duration(),
		"error", errMsg,
	)

	if o.publisher != nil {
		if err := o.publisher.PublishWorkflowFinished(ctx, snapshot); err != nil {
			o.logger.Warn("failed to publish workflow.finished", "workflow_id", wf.ID, "error", err)
		}
	}

	opts := []completer.Option{
		completer.WithTasks(o.store.Tasks, wf.TaskID),
		completer.WithLogger(o.logger),
	}
	if release != nil {
		opts = append(opts, completer.WithLocks(release))
	}
	if wf.IsChild() {
		opts = append(opts, completer.WithStep(o, *wf.ParentWorkflowID, wf.ParentStepID, wf.ParentPhase))
	}
	c := completer.New(opts...)

	var err error
	if wfFault == nil {
		err = c.Ready(context.WithoutCancel(ctx), fmt.Sprintf("%s succeeded", wf.Name))
	} else {
		err = c.Error(context.WithoutCancel(ctx), wfFault)
	}
	if err != nil {
		o.logger.Error("failed to complete workflow", "workflow_id", wf.ID, "error", err)
	}
}

// workflowFault строит ошибку графа для task и шага родителя. Вызывается под st.mu.
func (o *Orchestrator) workflowFault(st *WorkflowState, status domain.WorkflowStatus, errMsg string) *fault.Fault {
	if st.Workflow.IsChild() {
		return childFault(st.Workflow)
	}
	code := fault.CodeAdapterError
	switch {
	case status == domain.WorkflowStatusRolledBack:
		code = fault.CodeCancelled
	case len(st.faults) > 0:
		code = st.faults[0].Code
	case len(st.compensations) > 0:
		code = fault.CodeRollbackFailed
	}
	return &fault.Fault{Code: code, Message: errMsg, Kind: fault.KindBusiness}
}

// childFault строит ошибку шага родителя по итогу дочернего графа.
// Чисто отменённый дочерний граф (ROLLED_BACK) даёт CANCELLED.
func childFault(child *domain.Workflow) *fault.Fault {
	code := fault.CodeChildFailed
	if child.Status == domain.WorkflowStatusRolledBack {
		code = fault.CodeCancelled
	}
	return fault.Businessf(code, "child workflow %s %s: %s", child.Name, child.Status, child.Error)
}

// transition меняет статус шага и сохраняет его. Вызывается под st.mu.
func (o *Orchestrator) transition(ctx context.Context, step *domain.Step, phase domain.Phase, status domain.StepStatus, message string) {
	step.Transition(status, message)
	telemetry.StepTransitions.WithLabelValues(string(phase), string(status)).Inc()
	o.saveStep(ctx, step)
}

// saveStep сохраняет шаг. Запись не прерывается остановкой движка.
func (o *Orchestrator) saveStep(ctx context.Context, step *domain.Step) {
	if err := o.store.Steps.Update(context.WithoutCancel(ctx), step); err != nil {
		o.logger.Error("failed to persist step",
			"workflow_id", step.WorkflowID,
			"step_id", step.ID,
			"status", step.Status,
			"error", err,
		)
	}
}

// publishSteps публикует переходы шагов.
func (o *Orchestrator) publishSteps(ctx context.Context, steps []domain.Step) {
	if o.publisher == nil {
		return
	}
	for _, s := range steps {
		if err := o.publisher.PublishStepTransition(ctx, s); err != nil {
			o.logger.Warn("failed to publish step transition", "step_id", s.ID, "error", err)
		}
	}
}

// stepCompleter создаёт Completer шага.
func (o *Orchestrator) stepCompleter(workflowID uuid.UUID, stepID string, phase domain.Phase) *completer.Completer {
	return completer.New(
		completer.WithStep(o, workflowID, stepID, phase),
		completer.WithLogger(o.logger),
	)
}

// --- poller.Resolver ---

// Progress сохраняет SubStatus job в записи шага.
func (o *Orchestrator) Progress(ctx context.Context, h domain.JobHandle) error {
	st := o.getActive(h.WorkflowID)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotActive, h.WorkflowID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	step := st.step(h.StepID)
	if step == nil || step.Job == nil || step.Job.JobID != h.JobID {
		return fmt.Errorf("%w: %s", ErrStepNotFound, h.StepID)
	}
	step.Job.SubStatus = h.SubStatus
	o.saveStep(ctx, step)
	return nil
}

// CompleterFor возвращает Completer шага, которому принадлежит job.
func (o *Orchestrator) CompleterFor(h domain.JobHandle) poller.Completer {
	return o.stepCompleter(h.WorkflowID, h.StepID, h.Phase)
}
