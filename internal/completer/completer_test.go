package completer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/fault"
	"github.com/shaiso/Strata/internal/repo"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	fault *fault.Fault
	err   error
}

func (n *recordingNotifier) StepCompleted(_ context.Context, _ uuid.UUID, stepID string, phase domain.Phase, f *fault.Fault, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, stepID+":"+string(phase))
	n.fault = f
	return n.err
}

func createTask(t *testing.T, store *repo.Store) *domain.Task {
	t.Helper()
	task := domain.NewTask("volume.create", []string{"vol-1"})
	if err := store.Tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// --- Completer Tests ---

func TestCompleter_ReadyOrder(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	task := createTask(t, store)

	var order []string
	released := false
	notifier := &recordingNotifier{}

	c := New(
		WithLocks(func() {
			released = true
			order = append(order, "locks")
		}),
		WithStep(notifierFunc(func() {
			if !released {
				t.Error("locks must be released before step transition")
			}
			order = append(order, "step")
		}, notifier), uuid.New(), "step-1", domain.PhaseForward),
		WithTasks(store.Tasks, task.ID),
	)

	if err := c.Ready(ctx, "done"); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if len(order) != 2 || order[0] != "locks" || order[1] != "step" {
		t.Errorf("unexpected order: %v", order)
	}

	got, _ := store.Tasks.GetByID(ctx, task.ID)
	if got.Status != domain.TaskStatusReady || got.Message != "done" {
		t.Errorf("expected ready task with message, got %s %q", got.Status, got.Message)
	}
	if notifier.fault != nil {
		t.Errorf("expected nil fault, got %v", notifier.fault)
	}
}

func TestCompleter_FirstCallWins(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	task := createTask(t, store)
	notifier := &recordingNotifier{}

	c := New(WithStep(notifier, uuid.New(), "step-1", domain.PhaseRollback), WithTasks(store.Tasks, task.ID))

	if err := c.Error(ctx, fault.Business(fault.CodeJobFailed, "job failed")); err != nil {
		t.Fatalf("Error() error = %v", err)
	}
	if err := c.Ready(ctx, "late success"); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if !c.Done() {
		t.Error("completer must be done")
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "step-1:rollback" {
		t.Errorf("expected a single notification, got %v", notifier.calls)
	}

	got, _ := store.Tasks.GetByID(ctx, task.ID)
	if got.Status != domain.TaskStatusError || got.ErrorCode != fault.CodeJobFailed {
		t.Errorf("expected error task, got %s %s", got.Status, got.ErrorCode)
	}
}

func TestCompleter_TaskAlreadyFinal(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	task := createTask(t, store)

	if err := New(WithTasks(store.Tasks, task.ID)).Ready(ctx, "first"); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if err := New(WithTasks(store.Tasks, task.ID)).Error(ctx, nil); err != nil {
		t.Fatalf("Error() on final task must be ignored, got %v", err)
	}

	got, _ := store.Tasks.GetByID(ctx, task.ID)
	if got.Status != domain.TaskStatusReady {
		t.Errorf("task regressed to %s", got.Status)
	}
}

func TestCompleter_Errors(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	notifier := &recordingNotifier{err: errors.New("engine gone")}

	c := New(WithStep(notifier, uuid.New(), "s", domain.PhaseForward), WithTasks(store.Tasks, uuid.New()))
	err := c.Ready(ctx, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected joined ErrNotFound, got %v", err)
	}
}

func TestCompleter_Concurrent(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	releases := 0
	var mu sync.Mutex

	c := New(
		WithLocks(func() { mu.Lock(); releases++; mu.Unlock() }),
		WithStep(notifier, uuid.New(), "s", domain.PhaseForward),
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Ready(ctx, "")
			} else {
				c.Error(ctx, fault.Business(fault.CodeJobFailed, "x"))
			}
		}(i)
	}
	wg.Wait()

	if releases != 1 || len(notifier.calls) != 1 {
		t.Errorf("expected exactly one completion, got releases=%d calls=%d", releases, len(notifier.calls))
	}
}

// --- Helpers ---

type hookNotifier struct {
	hook func()
	next StepNotifier
}

func notifierFunc(hook func(), next StepNotifier) StepNotifier {
	return &hookNotifier{hook: hook, next: next}
}

func (h *hookNotifier) StepCompleted(ctx context.Context, wfID uuid.UUID, stepID string, phase domain.Phase, f *fault.Fault, msg string) error {
	h.hook()
	return h.next.StepCompleted(ctx, wfID, stepID, phase, f, msg)
}
