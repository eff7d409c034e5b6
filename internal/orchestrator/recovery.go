package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/repo"
)

// recoverBatch — размер выборки незавершённых графов.
const recoverBatch = 500

// Recover подхватывает незавершённые графы после рестарта.
//
// Корневой граф подхватывается, только если у него нет владельца или его
// аренда истекла; аренда атомарно переходит к этому экземпляру. Дочерний
// граф подхватывается вместе со своим корнем.
//
// Для каждого подхваченного графа (от старых к новым, чтобы родитель
// был активен раньше дочернего графа):
//   - шаги QUEUED возвращаются в CREATED (они не запускались)
//   - блокировки ресурсов захватываются заново; пока ресурсы заняты,
//     граф ждёт с повторными попытками и не уходит в откат
//   - для шагов с сохранённой job переподключается Poller
//   - шаги EXECUTING/ROLLING_BACK без job и дочернего графа выполняются повторно
//   - шаг, чей дочерний граф уже завершён, получает его результат
//
// Возвращает количество подхваченных графов.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recovered, err := o.adopt(ctx)
	if err != nil {
		return 0, err
	}
	o.logger.Info("workflows recovered", "count", recovered, "instance_id", o.id)
	return recovered, nil
}

// adopt подхватывает графы без живой аренды. Вызывается из Recover и
// периодически из maintainLeases.
func (o *Orchestrator) adopt(ctx context.Context) (int, error) {
	var workflows []domain.Workflow
	for offset := 0; ; offset += recoverBatch {
		batch, err := o.store.Workflows.List(ctx, repo.WorkflowFilter{
			Active:          true,
			IncludeArchived: true,
			Limit:           recoverBatch,
			Offset:          offset,
		})
		if err != nil {
			return 0, fmt.Errorf("list running workflows: %w", err)
		}
		workflows = append(workflows, batch...)
		if len(batch) < recoverBatch {
			break
		}
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	now := o.clock.Now().UTC()
	claimed := make(map[uuid.UUID]bool)
	recovered := 0
	for i := range workflows {
		wf := workflows[i]
		if o.getActive(wf.ID) != nil {
			continue
		}

		if wf.IsChild() {
			if !claimed[*wf.ParentWorkflowID] {
				continue
			}
		} else {
			ok, err := o.claim(ctx, &wf, now)
			if err != nil {
				o.logger.Error("failed to claim workflow lease", "workflow_id", wf.ID, "error", err)
				continue
			}
			if !ok {
				o.logger.Debug("workflow is owned by another instance", "workflow_id", wf.ID, "owner", wf.Owner)
				continue
			}
		}

		if err := o.recoverWorkflow(ctx, &wf); err != nil {
			o.logger.Error("failed to recover workflow", "workflow_id", wf.ID, "error", err)
			if !wf.IsChild() {
				if err := o.store.Workflows.ReleaseLease(ctx, wf.ID, o.id); err != nil {
					o.logger.Warn("failed to release workflow lease", "workflow_id", wf.ID, "error", err)
				}
			}
			continue
		}
		claimed[wf.ID] = true
		recovered++
	}

	return recovered, nil
}

// claim забирает аренду корневого графа, если она свободна или истекла.
func (o *Orchestrator) claim(ctx context.Context, wf *domain.Workflow, now time.Time) (bool, error) {
	if !wf.LeaseExpired(now) {
		return false, nil
	}
	until := now.Add(o.leaseTTL)
	ok, err := o.store.Workflows.ClaimLease(ctx, wf.ID, o.id, now, until)
	if err != nil || !ok {
		return false, err
	}
	wf.Owner = o.id
	wf.LeaseUntil = &until
	return true, nil
}

// recoverWorkflow восстанавливает один граф.
func (o *Orchestrator) recoverWorkflow(ctx context.Context, wf *domain.Workflow) error {
	records, err := o.store.Steps.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	steps := make([]*domain.Step, len(records))
	for i := range records {
		steps[i] = &records[i]
	}

	dag, err := engine.BuildDAG(steps)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	for _, step := range steps {
		if step.Status == domain.StepStatusQueued {
			step.Transition(domain.StepStatusCreated, "")
			o.saveStep(ctx, step)
		}
	}

	st := NewWorkflowState(wf, dag)
	st.restore()

	var inherited map[string]bool
	if wf.ParentWorkflowID != nil {
		parent := o.getActive(*wf.ParentWorkflowID)
		if parent == nil {
			return fmt.Errorf("%w: parent %s", ErrWorkflowNotActive, *wf.ParentWorkflowID)
		}
		inherited = parent.heldResources()
		st.parent = parent
	}

	if err := o.addActive(st); err != nil {
		return err
	}

	st.mu.Lock()
	resources := st.lockSet(inherited)
	st.mu.Unlock()

	o.logger.Info("recovering workflow",
		"workflow_id", wf.ID,
		"name", wf.Name,
		"steps", dag.Size(),
		"rolling_back", st.failed,
	)

	o.goBackground(func(ctx context.Context) {
		o.acquireAndRun(ctx, st, resources, func(ctx context.Context) {
			o.resumeActive(ctx, st)
		})
	})
	return nil
}

// resumeActive возобновляет шаги, которые выполняли действие в момент остановки.
func (o *Orchestrator) resumeActive(ctx context.Context, st *WorkflowState) {
	type pending struct {
		step  domain.Step
		phase domain.Phase
	}

	st.mu.Lock()
	var active []pending
	for _, node := range st.DAG.Order {
		if node.Step.Status.IsActive() {
			active = append(active, pending{step: *node.Step, phase: phaseOf(node.Step.Status)})
		}
	}
	st.mu.Unlock()

	for _, p := range active {
		switch {
		case p.step.Job != nil:
			if o.poller == nil {
				err := o.stepCompleter(st.WorkflowID(), p.step.ID, p.phase).
					Error(ctx, fault.LostJob(p.step.Job.JobID, "no job poller configured"))
				if err != nil {
					o.logger.Error("failed to fail step with lost job",
						"workflow_id", st.WorkflowID(), "step_id", p.step.ID, "error", err)
				}
				continue
			}
			o.poller.Register(*p.step.Job)

		case p.step.ChildWorkflowID != nil:
			o.resumeChild(ctx, st, p.step, p.phase)

		default:
			o.dispatch(st, dispatchItem{stepID: p.step.ID, phase: p.phase, resume: true})
		}
	}
}

// resumeChild передаёт шагу результат уже завершённого дочернего графа.
// Незавершённый дочерний граф восстанавливается сам и сообщит результат.
func (o *Orchestrator) resumeChild(ctx context.Context, st *WorkflowState, step domain.Step, phase domain.Phase) {
	childID := *step.ChildWorkflowID
	if o.getActive(childID) != nil {
		return
	}

	child, err := o.store.Workflows.GetByID(ctx, childID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			o.logger.Error("failed to load child workflow", "workflow_id", childID, "error", err)
			return
		}
		// Дочерний граф не был сохранён: действие шага выполняется заново.
		o.dispatch(st, dispatchItem{stepID: step.ID, phase: phase, resume: true})
		return
	}

	if !child.IsFinished() {
		// Граф будет подхвачен Recover'ом следующим (он новее родителя).
		return
	}

	c := o.stepCompleter(st.WorkflowID(), step.ID, phase)
	if child.Status == domain.WorkflowStatusSucceeded {
		err = c.Ready(ctx, fmt.Sprintf("%s succeeded", child.Name))
	} else {
		err = c.Error(ctx, childFault(child))
	}
	if err != nil {
		o.logger.Error("failed to complete step with child workflow result",
			"workflow_id", st.WorkflowID(), "step_id", step.ID, "child_workflow_id", childID, "error", err)
	}
}
