package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Strata/internal/domain"
)

func action(op, target string) domain.ActionRef {
	return domain.ActionRef{TargetType: "sim", TargetID: target, Operation: op}
}

func mustStep(t *testing.T, g *Graph, desc, waitFor string, fwd domain.ActionRef, rb *domain.ActionRef) string {
	t.Helper()
	id, err := g.CreateStep(desc, waitFor, fwd, rb)
	if err != nil {
		t.Fatalf("CreateStep(%s) failed: %v", desc, err)
	}
	return id
}

// --- Graph Tests ---

func TestGraph_CreateStepChain(t *testing.T) {
	g := NewGraph("create volume")

	detach := action("device.detach", "vol-1")
	a := mustStep(t, g, "create", Root, action("device.create", "vol-1"), nil)
	b := mustStep(t, g, "attach", a, action("device.attach", "vol-1"), &detach)
	c := mustStep(t, g, "schedule", b, action("schedule.set", "vol-1"), nil)

	if g.Len() != 3 {
		t.Fatalf("expected 3 steps, got %d", g.Len())
	}

	step, ok := g.Step(c)
	if !ok {
		t.Fatal("step C not found")
	}
	if len(step.WaitFor) != 1 || step.WaitFor[0] != b {
		t.Errorf("expected C to wait for B, got %v", step.WaitFor)
	}
	if step.Status != domain.StepStatusCreated {
		t.Errorf("expected CREATED, got %s", step.Status)
	}
	if step.WorkflowID != g.ID {
		t.Error("step must belong to graph")
	}

	stepB, _ := g.Step(b)
	if !stepB.HasRollback() {
		t.Error("attach step should have rollback")
	}
}

func TestGraph_UnknownWaitFor(t *testing.T) {
	g := NewGraph("g")
	_, err := g.CreateStep("x", "missing", action("op", "r"), nil)
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("expected ErrMissingDependency, got %v", err)
	}
}

func TestGraph_EmptyOperation(t *testing.T) {
	g := NewGraph("g")
	_, err := g.CreateStep("x", Root, domain.ActionRef{}, nil)
	if !errors.Is(err, ErrEmptyOperation) {
		t.Errorf("expected ErrEmptyOperation, got %v", err)
	}
}

func TestGraph_DefaultKeys(t *testing.T) {
	g := NewGraph("g")
	a := mustStep(t, g, "a", Root, action("device.attach", "v1"), nil)
	b := mustStep(t, g, "b", Root, action("device.attach", "v2"), nil)

	sa, _ := g.Step(a)
	sb, _ := g.Step(b)
	if sa.Key != "device.attach" {
		t.Errorf("expected first key device.attach, got %s", sa.Key)
	}
	if sb.Key != "device.attach#2" {
		t.Errorf("expected second key device.attach#2, got %s", sb.Key)
	}

	_, err := g.AddStep(StepSpec{Key: "device.attach", Forward: action("x", "v3")})
	if !errors.Is(err, ErrDuplicateStepKey) {
		t.Errorf("expected ErrDuplicateStepKey, got %v", err)
	}
}

func TestGraph_AddDependencyRejectsCycle(t *testing.T) {
	g := NewGraph("g")
	a := mustStep(t, g, "a", Root, action("op.a", "r"), nil)
	b := mustStep(t, g, "b", a, action("op.b", "r"), nil)
	c := mustStep(t, g, "c", b, action("op.c", "r"), nil)

	if err := g.AddDependency(a, c); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
	if err := g.AddDependency(a, a); !errors.Is(err, ErrSelfDependency) {
		t.Errorf("expected ErrSelfDependency, got %v", err)
	}
	if err := g.AddDependency(c, a); err != nil {
		t.Errorf("redundant edge should be accepted: %v", err)
	}
	if _, err := g.Build(); err != nil {
		t.Errorf("graph should still be acyclic: %v", err)
	}
}

func TestGraph_Resources(t *testing.T) {
	g := NewGraph("g")
	rb := action("device.detach", "host-1")
	mustStep(t, g, "b", Root, action("device.attach", "vol-2"), &rb)
	mustStep(t, g, "a", Root, action("device.create", "vol-1"), nil)
	mustStep(t, g, "c", Root, action("device.create", "vol-2"), nil)

	got := g.Resources()
	want := []string{"host-1", "vol-1", "vol-2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("resources[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestGraph_ResourcesIncludeReserves(t *testing.T) {
	g := NewGraph("g")
	fwd := action("volume.replicate", "vol-1")
	fwd.Reserves = []string{"vol-1-replica", ""}
	mustStep(t, g, "r", Root, fwd, nil)

	got := g.Resources()
	if len(got) != 2 || got[0] != "vol-1" || got[1] != "vol-1-replica" {
		t.Errorf("expected [vol-1 vol-1-replica], got %v", got)
	}
}

// --- DAG Tests ---

func TestBuildDAG_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	g := NewGraph("diamond")
	a := mustStep(t, g, "A", Root, action("op.a", "r1"), nil)
	b := mustStep(t, g, "B", a, action("op.b", "r2"), nil)
	c := mustStep(t, g, "C", a, action("op.c", "r3"), nil)
	d, err := g.AddStep(StepSpec{Description: "D", WaitFor: []string{b, c}, Forward: action("op.d", "r4")})
	if err != nil {
		t.Fatalf("AddStep failed: %v", err)
	}

	dag, err := g.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dag.Size() != 4 {
		t.Errorf("expected 4 nodes, got %d", dag.Size())
	}
	if len(dag.RootNodes) != 1 || dag.RootNodes[0].ID != a {
		t.Errorf("expected single root A")
	}
	if dag.GetNode(d).InDegree != 2 {
		t.Errorf("D should have inDegree 2, got %d", dag.GetNode(d).InDegree)
	}
	if dag.Order[0].ID != a || dag.Order[3].ID != d {
		t.Error("topological order must start with A and end with D")
	}
}

func TestBuildDAG_Cycle(t *testing.T) {
	a := &domain.Step{ID: "a", Key: "a", WaitFor: []string{"b"}}
	b := &domain.Step{ID: "b", Key: "b", WaitFor: []string{"a"}}

	_, err := BuildDAG([]*domain.Step{a, b})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestBuildDAG_Empty(t *testing.T) {
	if _, err := BuildDAG(nil); !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("expected ErrEmptyGraph, got %v", err)
	}
}

func TestDAG_ReadyForward(t *testing.T) {
	g := NewGraph("g")
	a := mustStep(t, g, "A", Root, action("op.a", "r1"), nil)
	b := mustStep(t, g, "B", a, action("op.b", "r2"), nil)
	c := mustStep(t, g, "C", Root, action("op.c", "r3"), nil)

	dag, err := g.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready := dag.ReadyForward()
	if len(ready) != 2 || ready[0].ID != a || ready[1].ID != c {
		t.Fatalf("expected A and C ready, got %d nodes", len(ready))
	}

	dag.GetNode(a).Step.Status = domain.StepStatusSucceeded
	dag.GetNode(c).Step.Status = domain.StepStatusExecuting

	ready = dag.ReadyForward()
	if len(ready) != 1 || ready[0].ID != b {
		t.Fatalf("expected only B ready")
	}
	if dag.IsComplete() {
		t.Error("graph should not be complete")
	}
	if !dag.HasActive() {
		t.Error("C is executing, graph must have active steps")
	}
}

func TestDAG_ReadyRollback(t *testing.T) {
	// A → B → C, C failed
	g := NewGraph("g")
	a := mustStep(t, g, "A", Root, action("op.a", "r1"), nil)
	b := mustStep(t, g, "B", a, action("op.b", "r2"), nil)
	c := mustStep(t, g, "C", b, action("op.c", "r3"), nil)

	dag, err := g.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dag.GetNode(a).Step.Status = domain.StepStatusSucceeded
	dag.GetNode(b).Step.Status = domain.StepStatusSucceeded
	dag.GetNode(c).Step.Status = domain.StepStatusFailed

	ready := dag.ReadyRollback()
	if len(ready) != 1 || ready[0].ID != b {
		t.Fatalf("expected only B ready for rollback")
	}

	dag.GetNode(b).Step.Status = domain.StepStatusRollingBack
	if len(dag.ReadyRollback()) != 0 {
		t.Error("A must wait until B is rolled back")
	}

	dag.GetNode(b).Step.Status = domain.StepStatusRollbackFailed
	ready = dag.ReadyRollback()
	if len(ready) != 1 || ready[0].ID != a {
		t.Fatalf("expected A ready after B settled")
	}
}
