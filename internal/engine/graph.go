package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
)

// Root — значение waitFor для шага без предшественников.
const Root = ""

// StepSpec — описание шага для Graph.AddStep.
type StepSpec struct {
	// Key — стабильный ключ шага. Если пуст, выводится из операции
	// и номера её вхождения в граф: "device.attach", "device.attach#2".
	Key string

	Description string

	// WaitFor — идентификаторы предшественников, уже добавленных в граф.
	WaitFor []string

	Forward  domain.ActionRef
	Rollback *domain.ActionRef
}

// Graph — граф операций, который строит контроллер.
//
// Шаги добавляются через CreateStep/AddStep; waitFor может ссылаться
// только на уже добавленные шаги. Шаги без зависимостей между собой
// выполняются параллельно.
type Graph struct {
	ID   uuid.UUID
	Name string

	steps []*domain.Step
	index map[string]*domain.Step
	keys  map[string]bool
	ops   map[string]int
}

// NewGraph создаёт пустой граф.
func NewGraph(name string) *Graph {
	return &Graph{
		ID:    uuid.New(),
		Name:  name,
		index: make(map[string]*domain.Step),
		keys:  make(map[string]bool),
		ops:   make(map[string]int),
	}
}

// CreateStep добавляет шаг с одним предшественником (или Root) и возвращает его ID.
//
// Хелперы контроллеров передают ID последнего шага своей цепочки
// как waitFor следующего вызова.
func (g *Graph) CreateStep(description, waitFor string, forward domain.ActionRef, rollback *domain.ActionRef) (string, error) {
	var deps []string
	if waitFor != Root {
		deps = []string{waitFor}
	}
	return g.AddStep(StepSpec{
		Description: description,
		WaitFor:     deps,
		Forward:     forward,
		Rollback:    rollback,
	})
}

// AddStep добавляет шаг и возвращает его ID.
func (g *Graph) AddStep(spec StepSpec) (string, error) {
	if spec.Forward.IsZero() {
		return "", NewValidationError(spec.Key, "forward", "forward action has no operation", ErrEmptyOperation)
	}
	if spec.Rollback != nil && spec.Rollback.IsZero() {
		spec.Rollback = nil
	}

	key := spec.Key
	if key == "" {
		key = g.nextKey(spec.Forward.Operation)
	}
	if g.keys[key] {
		return "", NewValidationError(key, "key", fmt.Sprintf("duplicate step key: %s", key), ErrDuplicateStepKey)
	}

	deps := make([]string, 0, len(spec.WaitFor))
	seen := make(map[string]bool, len(spec.WaitFor))
	for _, dep := range spec.WaitFor {
		if dep == Root || seen[dep] {
			continue
		}
		if _, ok := g.index[dep]; !ok {
			return "", NewValidationError(key, "wait_for",
				fmt.Sprintf("waits for unknown step: %s", dep), ErrMissingDependency)
		}
		seen[dep] = true
		deps = append(deps, dep)
	}

	now := time.Now().UTC()
	step := &domain.Step{
		ID:          uuid.NewString(),
		WorkflowID:  g.ID,
		Key:         key,
		Position:    len(g.steps),
		Description: spec.Description,
		WaitFor:     deps,
		Forward:     spec.Forward,
		Rollback:    spec.Rollback,
		Status:      domain.StepStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if step.Description == "" {
		step.Description = spec.Forward.Operation
	}

	g.steps = append(g.steps, step)
	g.index[step.ID] = step
	g.keys[key] = true
	g.ops[spec.Forward.Operation]++

	return step.ID, nil
}

// AddDependency добавляет шагу stepID предшественника waitFor.
// Возвращает ErrCyclicDependency, если ребро замыкает цикл.
func (g *Graph) AddDependency(stepID, waitFor string) error {
	step, ok := g.index[stepID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if _, ok := g.index[waitFor]; !ok {
		return NewValidationError(step.Key, "wait_for",
			fmt.Sprintf("waits for unknown step: %s", waitFor), ErrMissingDependency)
	}
	if stepID == waitFor {
		return NewValidationError(step.Key, "wait_for", "step waits for itself", ErrSelfDependency)
	}
	if g.dependsOn(waitFor, stepID) {
		return NewValidationError(step.Key, "wait_for",
			fmt.Sprintf("waiting for %s closes a cycle", waitFor), ErrCyclicDependency)
	}
	for _, dep := range step.WaitFor {
		if dep == waitFor {
			return nil
		}
	}
	step.WaitFor = append(step.WaitFor, waitFor)
	return nil
}

// dependsOn проверяет, зависит ли from (транзитивно) от target.
func (g *Graph) dependsOn(from, target string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, g.index[id].WaitFor...)
	}
	return false
}

func (g *Graph) nextKey(op string) string {
	n := g.ops[op] + 1
	if n == 1 {
		return op
	}
	return fmt.Sprintf("%s#%d", op, n)
}

// Steps возвращает шаги графа в порядке добавления.
func (g *Graph) Steps() []*domain.Step {
	out := make([]*domain.Step, len(g.steps))
	copy(out, g.steps)
	return out
}

// Step возвращает шаг по ID.
func (g *Graph) Step(id string) (*domain.Step, bool) {
	s, ok := g.index[id]
	return s, ok
}

// Len возвращает количество шагов.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Resources возвращает отсортированный список ресурсов, которых касаются шаги.
// Сортировка задаёт глобальный порядок захвата блокировок.
func (g *Graph) Resources() []string {
	set := make(map[string]bool)
	for _, s := range g.steps {
		for _, r := range s.Forward.Resources() {
			set[r] = true
		}
		if s.Rollback != nil {
			for _, r := range s.Rollback.Resources() {
				set[r] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Build проверяет граф и строит DAG.
func (g *Graph) Build() (*DAG, error) {
	return BuildDAG(g.steps)
}
