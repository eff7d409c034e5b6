package orchestrator

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/lock"
)

// WorkflowState — состояние выполнения одного графа в памяти.
//
// WorkflowState создаётся при Submit или Recover и удаляется после
// финализации графа.
type WorkflowState struct {
	// Workflow — запись графа.
	Workflow *domain.Workflow

	// DAG — граф зависимостей; узлы ссылаются на записи шагов.
	DAG *engine.DAG

	// held — ресурсы, заблокированные графом и его предками.
	held map[string]bool

	// busy — ресурс → шаг, который сейчас выполняет над ним действие.
	busy map[string]string

	// faults — ошибки прямых действий.
	faults []*fault.Fault

	// compensations — ошибки компенсирующих действий.
	compensations []*fault.Fault

	// failed — граф перешёл в режим отката, новые шаги не запускаются.
	failed bool

	// started — блокировки захвачены, шаги можно запускать.
	started bool

	// finished — граф финализирован.
	finished bool

	// parent — состояние родительского графа (для вложенных графов).
	parent *WorkflowState

	// ready закрывается после попытки захвата блокировок;
	// locked — блокировки захвачены.
	ready  chan struct{}
	locked bool

	release lock.Release

	mu sync.Mutex
}

// NewWorkflowState создаёт состояние графа.
func NewWorkflowState(wf *domain.Workflow, dag *engine.DAG) *WorkflowState {
	return &WorkflowState{
		Workflow: wf,
		DAG:      dag,
		held:     make(map[string]bool),
		busy:     make(map[string]string),
		ready:    make(chan struct{}),
	}
}

// WorkflowID возвращает ID графа.
func (s *WorkflowState) WorkflowID() uuid.UUID {
	return s.Workflow.ID
}

// step возвращает шаг по ID. Вызывается под s.mu.
func (s *WorkflowState) step(id string) *domain.Step {
	node := s.DAG.GetNode(id)
	if node == nil {
		return nil
	}
	return node.Step
}

// Resources возвращает отсортированные ресурсы шагов графа.
func (s *WorkflowState) Resources() []string {
	set := make(map[string]bool)
	for _, node := range s.DAG.Nodes {
		for _, r := range node.Step.Forward.Resources() {
			set[r] = true
		}
		if node.Step.Rollback != nil {
			for _, r := range node.Step.Rollback.Resources() {
				set[r] = true
			}
		}
	}
	return lock.Normalize(keys(set))
}

// lockSet возвращает ресурсы, которые граф должен заблокировать сам:
// ресурсы, уже заблокированные предками, наследуются.
func (s *WorkflowState) lockSet(inherited map[string]bool) []string {
	own := make([]string, 0)
	for _, r := range s.Resources() {
		if inherited[r] {
			s.held[r] = true
			continue
		}
		own = append(own, r)
		s.held[r] = true
	}
	return own
}

// heldResources возвращает копию набора заблокированных ресурсов.
func (s *WorkflowState) heldResources() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.held))
	for r := range s.held {
		out[r] = true
	}
	return out
}

// isLocked возвращает true, если граф захватил свои блокировки.
func (s *WorkflowState) isLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *WorkflowState) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// resourceOf возвращает ресурс действия шага в фазе.
func resourceOf(step *domain.Step, phase domain.Phase) string {
	return step.Action(phase).TargetID
}

// claim помечает ресурс шага занятым. false — ресурс занят другим шагом.
// Вызывается под s.mu.
func (s *WorkflowState) claim(step *domain.Step, phase domain.Phase) bool {
	r := resourceOf(step, phase)
	if r == "" {
		return true
	}
	if owner, ok := s.busy[r]; ok && owner != step.ID {
		return false
	}
	s.busy[r] = step.ID
	return true
}

// releaseResource освобождает ресурс шага. Вызывается под s.mu.
func (s *WorkflowState) releaseResource(step *domain.Step, phase domain.Phase) {
	r := resourceOf(step, phase)
	if r != "" && s.busy[r] == step.ID {
		delete(s.busy, r)
	}
}

// onlyCancelled возвращает true, если все ошибки прямых действий графа —
// отмена, например чисто откатившийся дочерний граф. Вызывается под s.mu.
func (s *WorkflowState) onlyCancelled() bool {
	for _, f := range s.faults {
		if f.Code != fault.CodeCancelled {
			return false
		}
	}
	return true
}

// errorMessage собирает итоговое сообщение об ошибке графа. Вызывается под s.mu.
func (s *WorkflowState) errorMessage() string {
	all := make([]*fault.Fault, 0, len(s.faults)+len(s.compensations))
	all = append(all, s.faults...)
	all = append(all, s.compensations...)
	return fault.Aggregate(all)
}

// Stats возвращает статистику выполнения.
func (s *WorkflowState) Stats() WorkflowStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := WorkflowStats{
		TotalSteps:  s.DAG.Size(),
		ByStatus:    make(map[domain.StepStatus]int),
		RollingBack: s.failed,
	}
	for _, node := range s.DAG.Nodes {
		stats.ByStatus[node.Step.Status]++
	}
	return stats
}

// WorkflowStats — статистика выполнения графа.
type WorkflowStats struct {
	TotalSteps int
	ByStatus   map[domain.StepStatus]int

	// RollingBack — граф в режиме отката.
	RollingBack bool
}

// restore восстанавливает режим графа по записям шагов (после рестарта).
// Вызывается до запуска графа.
func (s *WorkflowState) restore() {
	s.failed = s.Workflow.Cancelled

	ids := make([]string, 0, len(s.DAG.Nodes))
	for id := range s.DAG.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.DAG.Nodes[ids[i]].Step.Position < s.DAG.Nodes[ids[j]].Step.Position
	})

	for _, id := range ids {
		step := s.DAG.Nodes[id].Step
		switch step.Status {
		case domain.StepStatusFailed:
			s.failed = true
			s.faults = append(s.faults, &fault.Fault{
				Code:    step.ErrorCode,
				Message: step.Message,
				Kind:    fault.KindBusiness,
			})
		case domain.StepStatusRollingBack, domain.StepStatusRolledBack:
			s.failed = true
		case domain.StepStatusRollbackFailed:
			s.failed = true
			s.compensations = append(s.compensations, fault.Compensation(step.ID, step.Description,
				&fault.Fault{Code: step.ErrorCode, Message: step.Message, Kind: fault.KindCompensation}))
		}
		if step.Status.IsActive() {
			s.busy[resourceOf(step, phaseOf(step.Status))] = step.ID
		}
	}
	delete(s.busy, "")
}

// phaseOf возвращает фазу действия для активного статуса шага.
func phaseOf(status domain.StepStatus) domain.Phase {
	if status == domain.StepStatusRollingBack {
		return domain.PhaseRollback
	}
	return domain.PhaseForward
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
