package engine

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/Strata/internal/domain"
)

// GraphSpec — декларативное описание графа (тело POST /api/v1/workflows).
//
// В отличие от CreateStep, wait_for ссылается на ключи шагов и может
// указывать на шаги, объявленные ниже.
type GraphSpec struct {
	Name  string         `json:"name"`
	Vars  map[string]any `json:"vars,omitempty"`
	Steps []StepDef      `json:"steps"`
}

// StepDef — описание шага в GraphSpec.
type StepDef struct {
	Key         string            `json:"key"`
	Description string            `json:"description,omitempty"`
	WaitFor     []string          `json:"wait_for,omitempty"`
	Forward     domain.ActionRef  `json:"forward"`
	Rollback    *domain.ActionRef `json:"rollback,omitempty"`
}

// ParseGraphSpec парсит и валидирует GraphSpec из JSON.
func ParseGraphSpec(data []byte) (*GraphSpec, error) {
	var spec GraphSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse graph spec: %w", err)
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate выполняет полную валидацию GraphSpec.
//
// Проверяет:
//   - Наличие шагов
//   - Уникальность ключей
//   - Наличие операции у прямого действия
//   - Валидность wait_for
//   - Отсутствие циклов
func Validate(spec *GraphSpec) error {
	if spec == nil || len(spec.Steps) == 0 {
		return ErrEmptyGraph
	}

	keys := make(map[string]bool, len(spec.Steps))
	for i := range spec.Steps {
		if err := ValidateStep(&spec.Steps[i], keys); err != nil {
			return err
		}
	}

	if err := validateDependencies(spec.Steps, keys); err != nil {
		return err
	}

	_, err := orderSteps(spec.Steps)
	return err
}

// ValidateStep валидирует один шаг.
// keys — уже встреченные ключи шагов.
func ValidateStep(step *StepDef, keys map[string]bool) error {
	if step.Key == "" {
		return NewValidationError("", "key", "step has empty key", ErrEmptyStepKey)
	}

	if keys[step.Key] {
		return NewValidationError(step.Key, "key",
			fmt.Sprintf("duplicate step key: %s", step.Key), ErrDuplicateStepKey)
	}
	keys[step.Key] = true

	if step.Forward.IsZero() {
		return NewValidationError(step.Key, "forward",
			"forward action has no operation", ErrEmptyOperation)
	}

	for _, dep := range step.WaitFor {
		if dep == step.Key {
			return NewValidationError(step.Key, "wait_for",
				"step waits for itself", ErrSelfDependency)
		}
	}

	return nil
}

// validateDependencies проверяет, что все wait_for ссылаются на существующие шаги.
func validateDependencies(steps []StepDef, keys map[string]bool) error {
	for i := range steps {
		for _, dep := range steps[i].WaitFor {
			if !keys[dep] {
				return NewValidationError(steps[i].Key, "wait_for",
					fmt.Sprintf("waits for unknown step: %s", dep), ErrMissingDependency)
			}
		}
	}
	return nil
}

// orderSteps сортирует шаги топологически (алгоритм Кана) с сохранением
// порядка объявления среди независимых шагов.
func orderSteps(steps []StepDef) ([]*StepDef, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]*StepDef, len(steps))
	for i := range steps {
		step := &steps[i]
		seen := make(map[string]bool)
		for _, dep := range step.WaitFor {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[step.Key]++
			dependents[dep] = append(dependents[dep], step)
		}
	}

	queue := make([]*StepDef, 0)
	for i := range steps {
		if inDegree[steps[i].Key] == 0 {
			queue = append(queue, &steps[i])
		}
	}

	order := make([]*StepDef, 0, len(steps))
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		order = append(order, step)

		for _, dependent := range dependents[step.Key] {
			inDegree[dependent.Key]--
			if inDegree[dependent.Key] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

// ToGraph строит Graph из GraphSpec, рендеря аргументы действий с Vars.
func (s *GraphSpec) ToGraph() (*Graph, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}

	order, err := orderSteps(s.Steps)
	if err != nil {
		return nil, err
	}

	name := s.Name
	if name == "" {
		name = "custom"
	}
	g := NewGraph(name)
	tctx := NewContext(name, s.Vars)
	ids := make(map[string]string, len(order))

	for _, def := range order {
		forward, err := renderAction(def.Forward, tctx)
		if err != nil {
			return nil, NewValidationError(def.Key, "forward", err.Error(), err)
		}

		var rollback *domain.ActionRef
		if def.Rollback != nil {
			rb, err := renderAction(*def.Rollback, tctx)
			if err != nil {
				return nil, NewValidationError(def.Key, "rollback", err.Error(), err)
			}
			rollback = &rb
		}

		waitFor := make([]string, 0, len(def.WaitFor))
		for _, dep := range def.WaitFor {
			waitFor = append(waitFor, ids[dep])
		}

		id, err := g.AddStep(StepSpec{
			Key:         def.Key,
			Description: def.Description,
			WaitFor:     waitFor,
			Forward:     forward,
			Rollback:    rollback,
		})
		if err != nil {
			return nil, err
		}
		ids[def.Key] = id
	}

	return g, nil
}

func renderAction(a domain.ActionRef, ctx *Context) (domain.ActionRef, error) {
	target, err := Render(a.TargetID, ctx)
	if err != nil {
		return a, err
	}
	args, err := RenderArgs(a.Args, ctx)
	if err != nil {
		return a, err
	}
	var reserves []string
	for _, r := range a.Reserves {
		rendered, err := Render(r, ctx)
		if err != nil {
			return a, err
		}
		reserves = append(reserves, rendered)
	}
	a.TargetID = target
	a.Args = args
	a.Reserves = reserves
	return a, nil
}
