package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
)

// NewMemoryStore создаёт хранилище в памяти процесса.
// Используется в тестах и в режиме без БД.
func NewMemoryStore() *Store {
	return &Store{
		Workflows: &memWorkflows{items: make(map[uuid.UUID]domain.Workflow)},
		Steps:     &memSteps{items: make(map[uuid.UUID]map[string]domain.Step)},
		Tasks:     &memTasks{items: make(map[uuid.UUID]domain.Task)},
	}
}

type memWorkflows struct {
	mu    sync.RWMutex
	items map[uuid.UUID]domain.Workflow
}

func (m *memWorkflows) Create(_ context.Context, wf *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[wf.ID]; ok {
		return ErrAlreadyExists
	}
	m.items[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (m *memWorkflows) GetByID(_ context.Context, id uuid.UUID) (*domain.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneWorkflow(&wf)
	return &out, nil
}

func (m *memWorkflows) List(_ context.Context, f WorkflowFilter) ([]domain.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]domain.Workflow, 0, len(m.items))
	for _, wf := range m.items {
		if MatchWorkflow(&wf, f) {
			all = append(all, cloneWorkflow(&wf))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if f.Offset >= len(all) {
		return []domain.Workflow{}, nil
	}
	all = all[f.Offset:]
	if limit := listLimit(f.Limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Update не трогает аренду: ею управляют только ClaimLease/RenewLease/ReleaseLease.
func (m *memWorkflows) Update(_ context.Context, wf *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[wf.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneWorkflow(wf)
	next.Owner = cur.Owner
	next.LeaseUntil = cur.LeaseUntil
	m.items[wf.ID] = next
	return nil
}

func (m *memWorkflows) ClaimLease(_ context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if wf.Status != domain.WorkflowStatusRunning {
		return false, nil
	}
	if wf.Owner != owner && !wf.LeaseExpired(now) {
		return false, nil
	}
	until = until.UTC()
	wf.Owner = owner
	wf.LeaseUntil = &until
	m.items[id] = wf
	return true, nil
}

func (m *memWorkflows) RenewLease(_ context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if wf.Owner != owner {
		return false, nil
	}
	until = until.UTC()
	wf.LeaseUntil = &until
	m.items[id] = wf
	return true, nil
}

func (m *memWorkflows) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if wf.Owner == owner {
		wf.Owner = ""
		wf.LeaseUntil = nil
		m.items[id] = wf
	}
	return nil
}

func (m *memWorkflows) ArchiveFinished(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, wf := range m.items {
		if wf.ArchivedAt != nil || wf.FinishedAt == nil || !wf.FinishedAt.Before(before) {
			continue
		}
		wf.ArchivedAt = &now
		m.items[id] = wf
		n++
	}
	return n, nil
}

type memSteps struct {
	mu    sync.RWMutex
	items map[uuid.UUID]map[string]domain.Step
}

func (m *memSteps) CreateBatch(_ context.Context, steps []*domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range steps {
		byID, ok := m.items[s.WorkflowID]
		if !ok {
			byID = make(map[string]domain.Step)
			m.items[s.WorkflowID] = byID
		}
		if _, exists := byID[s.ID]; exists {
			return ErrAlreadyExists
		}
		byID[s.ID] = cloneStep(s)
	}
	return nil
}

func (m *memSteps) GetByID(_ context.Context, workflowID uuid.UUID, stepID string) (*domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[workflowID][stepID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneStep(&s)
	return &out, nil
}

func (m *memSteps) ListByWorkflow(_ context.Context, workflowID uuid.UUID) ([]domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Step, 0, len(m.items[workflowID]))
	for _, s := range m.items[workflowID] {
		out = append(out, cloneStep(&s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memSteps) Update(_ context.Context, step *domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.items[step.WorkflowID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[step.ID]; !ok {
		return ErrNotFound
	}
	byID[step.ID] = cloneStep(step)
	return nil
}

type memTasks struct {
	mu    sync.RWMutex
	items map[uuid.UUID]domain.Task
}

func (m *memTasks) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[task.ID]; ok {
		return ErrAlreadyExists
	}
	m.items[task.ID] = cloneTask(task)
	return nil
}

func (m *memTasks) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneTask(&t)
	return &out, nil
}

func (m *memTasks) Update(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[task.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.IsTerminal() {
		return ErrInvalidState
	}
	m.items[task.ID] = cloneTask(task)
	return nil
}

// --- Helpers ---

func cloneWorkflow(wf *domain.Workflow) domain.Workflow {
	out := *wf
	if wf.ParentWorkflowID != nil {
		id := *wf.ParentWorkflowID
		out.ParentWorkflowID = &id
	}
	out.FinishedAt = cloneTime(wf.FinishedAt)
	out.ArchivedAt = cloneTime(wf.ArchivedAt)
	out.LeaseUntil = cloneTime(wf.LeaseUntil)
	return out
}

func cloneStep(s *domain.Step) domain.Step {
	out := *s
	out.WaitFor = append([]string(nil), s.WaitFor...)
	out.Forward.Reserves = append([]string(nil), s.Forward.Reserves...)
	if s.Rollback != nil {
		rb := *s.Rollback
		rb.Reserves = append([]string(nil), s.Rollback.Reserves...)
		out.Rollback = &rb
	}
	if s.Job != nil {
		job := *s.Job
		out.Job = &job
	}
	if s.ChildWorkflowID != nil {
		id := *s.ChildWorkflowID
		out.ChildWorkflowID = &id
	}
	out.StartedAt = cloneTime(s.StartedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	return out
}

func cloneTask(t *domain.Task) domain.Task {
	out := *t
	out.ResourceIDs = append([]string(nil), t.ResourceIDs...)
	if t.WorkflowID != nil {
		id := *t.WorkflowID
		out.WorkflowID = &id
	}
	out.FinishedAt = cloneTime(t.FinishedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
