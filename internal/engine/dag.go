package engine

import (
	"fmt"

	"github.com/shaiso/Strata/internal/domain"
)

// Node — узел в DAG.
type Node struct {
	// Step — шаг графа. Статус шага читается движком под его мьютексом.
	Step *domain.Step

	// ID — идентификатор узла (совпадает с Step.ID).
	ID string

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — направленный ациклический граф шагов.
type DAG struct {
	// Nodes — все узлы графа (stepID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа).
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node
}

// BuildDAG строит DAG из шагов графа.
func BuildDAG(steps []*domain.Step) (*DAG, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyGraph
	}

	dag := &DAG{
		Nodes:     make(map[string]*Node, len(steps)),
		RootNodes: make([]*Node, 0),
	}

	// Первый проход: создаём все узлы
	for _, step := range steps {
		dag.Nodes[step.ID] = &Node{
			Step:       step,
			ID:         step.ID,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
	}

	// Второй проход: связываем узлы по зависимостям
	for _, step := range steps {
		node := dag.Nodes[step.ID]
		for _, depID := range step.WaitFor {
			if depID == step.ID {
				return nil, NewValidationError(step.Key, "wait_for", "step waits for itself", ErrSelfDependency)
			}
			depNode, exists := dag.Nodes[depID]
			if !exists {
				return nil, NewValidationError(step.Key, "wait_for",
					fmt.Sprintf("waits for unknown step: %s", depID), ErrMissingDependency)
			}
			dag.addEdge(depNode, node)
		}
	}

	// Корневые узлы в порядке объявления шагов
	for _, step := range steps {
		if node := dag.Nodes[step.ID]; node.InDegree == 0 {
			dag.RootNodes = append(dag.RootNodes, node)
		}
	}

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// addEdge добавляет ребро между узлами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return // уже связаны
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// ReadyForward возвращает узлы, готовые к прямому выполнению.
//
// Узел готов, если шаг ещё не запускался (CREATED), а все его
// предшественники в статусе SUCCEEDED. Порядок — топологический.
func (d *DAG) ReadyForward() []*Node {
	ready := make([]*Node, 0)
	for _, node := range d.Order {
		if node.Step.Status != domain.StepStatusCreated {
			continue
		}
		if allSucceeded(node.DependsOn) {
			ready = append(ready, node)
		}
	}
	return ready
}

// ReadyRollback возвращает узлы, готовые к откату.
//
// Узел готов к откату, если шаг SUCCEEDED, а все зависимые от него
// шаги уже откатаны, не запускались или упали. Порядок — обратный
// топологический.
func (d *DAG) ReadyRollback() []*Node {
	ready := make([]*Node, 0)
	for i := len(d.Order) - 1; i >= 0; i-- {
		node := d.Order[i]
		if node.Step.Status != domain.StepStatusSucceeded {
			continue
		}
		settled := true
		for _, dep := range node.Dependents {
			if !dep.Step.Status.IsSettled() {
				settled = false
				break
			}
		}
		if settled {
			ready = append(ready, node)
		}
	}
	return ready
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// IsComplete проверяет, все ли шаги завершены успешно.
func (d *DAG) IsComplete() bool {
	for _, node := range d.Nodes {
		if node.Step.Status != domain.StepStatusSucceeded {
			return false
		}
	}
	return true
}

// HasActive проверяет, выполняется ли сейчас какое-либо действие.
func (d *DAG) HasActive() bool {
	for _, node := range d.Nodes {
		if node.Step.Status.IsActive() || node.Step.Status == domain.StepStatusQueued {
			return true
		}
	}
	return false
}

func allSucceeded(nodes []*Node) bool {
	for _, n := range nodes {
		if n.Step.Status != domain.StepStatusSucceeded {
			return false
		}
	}
	return true
}
