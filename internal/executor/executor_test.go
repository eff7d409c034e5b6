package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/config"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/engine"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/faultinject"
)

func newTestExecutor(reg *Registry, flags config.FlagSource) *Executor {
	return New(Config{
		Registry: reg,
		Injector: faultinject.New(flags),
		Attempts: 3,
		Delay:    time.Millisecond,
		MaxDelay: 2 * time.Millisecond,
	})
}

func testInvocation(op string) Invocation {
	return Invocation{
		WorkflowID: uuid.New(),
		StepID:     "step-1",
		StepKey:    op,
		Phase:      domain.PhaseForward,
		Action:     domain.ActionRef{TargetType: "array", TargetID: "vol-1", Operation: op},
	}
}

type stubPoller struct{}

func (stubPoller) PollJob(context.Context, domain.JobHandle) (JobState, error) {
	return JobState{Status: JobPending}, nil
}

// --- Registry Tests ---

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("device.create", func(context.Context, Invocation) (*Result, error) { return nil, nil })

	if _, err := reg.Handler("device.create"); err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if _, err := reg.Handler("device.unknown"); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
	if _, err := reg.Poller("array"); !errors.Is(err, ErrNoPoller) {
		t.Errorf("expected ErrNoPoller, got %v", err)
	}
	if ops := reg.Operations(); len(ops) != 1 || ops[0] != "device.create" {
		t.Errorf("unexpected operations: %v", ops)
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("abc", domain.PhaseRollback); got != "abc:rollback" {
		t.Errorf("expected abc:rollback, got %s", got)
	}
}

// --- Execute Tests ---

func TestExecute_Succeeded(t *testing.T) {
	reg := NewRegistry()
	var gotKey string
	reg.RegisterFunc("device.create", func(_ context.Context, inv Invocation) (*Result, error) {
		gotKey = inv.IdempotencyKey
		return &Result{Message: "created"}, nil
	})

	out := newTestExecutor(reg, nil).Execute(context.Background(), testInvocation("device.create"))
	if out.Kind != OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", out.Kind, out.Message)
	}
	if out.Message != "created" {
		t.Errorf("expected message 'created', got %q", out.Message)
	}
	if gotKey != "step-1:forward" {
		t.Errorf("expected idempotency key step-1:forward, got %q", gotKey)
	}
}

func TestExecute_UnknownOperation(t *testing.T) {
	out := newTestExecutor(NewRegistry(), nil).Execute(context.Background(), testInvocation("device.unknown"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if out.Fault.Code != fault.CodeUnknownOperation {
		t.Errorf("expected %s, got %s", fault.CodeUnknownOperation, out.Fault.Code)
	}
}

func TestExecute_TransportRetriedThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterFunc("device.attach", func(context.Context, Invocation) (*Result, error) {
		calls++
		if calls < 3 {
			return nil, fault.Transport(fault.CodeTransport, "connection reset", nil)
		}
		return &Result{Message: "attached"}, nil
	})

	out := newTestExecutor(reg, nil).Execute(context.Background(), testInvocation("device.attach"))
	if out.Kind != OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", out.Kind, out.Message)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecute_TransportRetriesExhausted(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterFunc("device.attach", func(context.Context, Invocation) (*Result, error) {
		calls++
		return nil, fault.Transport(fault.CodeTransport, "connection refused", nil)
	})

	out := newTestExecutor(reg, nil).Execute(context.Background(), testInvocation("device.attach"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if out.Fault.Code != fault.CodeRetriesExhausted {
		t.Errorf("expected %s, got %s", fault.CodeRetriesExhausted, out.Fault.Code)
	}
	if !out.Fault.TriggersRollback() {
		t.Error("exhausted transport retries must trigger rollback")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecute_BusinessFaultNotRetried(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterFunc("device.create", func(context.Context, Invocation) (*Result, error) {
		calls++
		return nil, errors.New("pool exhausted")
	})

	out := newTestExecutor(reg, nil).Execute(context.Background(), testInvocation("device.create"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if out.Fault.Code != fault.CodeAdapterError || out.Fault.Message != "pool exhausted" {
		t.Errorf("unexpected fault: %+v", out.Fault)
	}
	if calls != 1 {
		t.Errorf("business fault must not be retried, got %d calls", calls)
	}
}

func TestExecute_ArtificialFailure(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.RegisterFunc("device.attach", func(context.Context, Invocation) (*Result, error) {
		called = true
		return &Result{}, nil
	})

	flags := config.NewStaticFlags(map[string]string{faultinject.FlagArtificialFailure: "device.attach"})
	exec := newTestExecutor(reg, flags)

	for i := 0; i < 3; i++ {
		out := exec.Execute(context.Background(), testInvocation("device.attach"))
		if out.Kind != OutcomeFailed || out.Fault.Code != fault.CodeArtificialFailure {
			t.Fatalf("run %d: expected artificial failure, got %s", i, out.Kind)
		}
	}
	if called {
		t.Error("adapter must not be called when failure is injected")
	}

	rb := testInvocation("device.attach")
	rb.Phase = domain.PhaseRollback
	if out := exec.Execute(context.Background(), rb); out.Kind != OutcomeSucceeded {
		t.Errorf("rollback phase must not be affected, got %s", out.Kind)
	}
}

func TestExecute_AsyncJob(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("device.create", func(context.Context, Invocation) (*Result, error) {
		return &Result{Job: &JobRef{DeviceID: "array-1", JobID: "job-42"}}, nil
	})

	inv := testInvocation("device.create")

	// Без JobPoller для типа устройства job некому опрашивать.
	out := newTestExecutor(reg, nil).Execute(context.Background(), inv)
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed without poller, got %s", out.Kind)
	}

	reg.RegisterPoller("array", stubPoller{})
	out = newTestExecutor(reg, nil).Execute(context.Background(), inv)
	if out.Kind != OutcomeInProgress {
		t.Fatalf("expected in_progress, got %s", out.Kind)
	}
	if out.Job.JobID != "job-42" || out.Job.StepID != "step-1" || out.Job.Phase != domain.PhaseForward {
		t.Errorf("unexpected job handle: %+v", out.Job)
	}
	if out.Job.WorkflowID != inv.WorkflowID {
		t.Errorf("job handle must carry workflow id")
	}
}

type recordingSubmitter struct {
	graphs []*engine.Graph
}

func (r *recordingSubmitter) SubmitChild(_ context.Context, g *engine.Graph) (uuid.UUID, error) {
	r.graphs = append(r.graphs, g)
	return g.ID, nil
}

func TestExecute_ChildWorkflow(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("volume.replicate", func(ctx context.Context, inv Invocation) (*Result, error) {
		g := engine.NewGraph("replicate")
		if _, err := g.CreateStep("copy", engine.Root, domain.ActionRef{Operation: "device.copy"}, nil); err != nil {
			return nil, err
		}
		id, err := inv.SubmitChild(ctx, g)
		if err != nil {
			return nil, err
		}
		return &Result{ChildWorkflowID: &id}, nil
	})

	inv := testInvocation("volume.replicate")
	out := newTestExecutor(reg, nil).Execute(context.Background(), inv)
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed without child submitter, got %s", out.Kind)
	}

	sub := &recordingSubmitter{}
	inv.Children = sub
	out = newTestExecutor(reg, nil).Execute(context.Background(), inv)
	if out.Kind != OutcomeWaiting {
		t.Fatalf("expected waiting, got %s (%s)", out.Kind, out.Message)
	}
	if len(sub.graphs) != 1 || *out.ChildWorkflowID != sub.graphs[0].ID {
		t.Errorf("child workflow id not propagated")
	}
}

func TestExecute_ContextCancelledDuringRetry(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.RegisterFunc("device.attach", func(context.Context, Invocation) (*Result, error) {
		cancel()
		return nil, fault.Transport(fault.CodeTransport, "timeout", nil)
	})

	exec := New(Config{Registry: reg, Attempts: 5, Delay: time.Second})
	out := exec.Execute(ctx, testInvocation("device.attach"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if out.Fault.Retryable() {
		t.Error("fault after Execute must not be retryable")
	}
}
