package repo

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
)

func newSQLiteStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return store
}

func stores(t *testing.T) map[string]*Store {
	return map[string]*Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t, ":memory:"),
	}
}

func sampleWorkflow() *domain.Workflow {
	now := time.Now().UTC()
	return &domain.Workflow{
		ID:        uuid.New(),
		Name:      "create volume",
		TaskID:    uuid.New(),
		Status:    domain.WorkflowStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}
}

func sampleSteps(wfID uuid.UUID) []*domain.Step {
	now := time.Now().UTC()
	rb := domain.ActionRef{TargetType: "sim", TargetID: "vol-1", Operation: "device.detach"}
	return []*domain.Step{
		{
			ID: "s1", WorkflowID: wfID, Key: "device.create", Position: 0, Description: "create",
			Forward:   domain.ActionRef{TargetType: "sim", TargetID: "vol-1", Operation: "device.create", Args: json.RawMessage(`{"size_gb":10}`), Reserves: []string{"vol-1-replica"}},
			Status:    domain.StepStatusCreated,
			CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "s2", WorkflowID: wfID, Key: "device.attach", Position: 1, Description: "attach",
			WaitFor:   []string{"s1"},
			Forward:   domain.ActionRef{TargetType: "sim", TargetID: "vol-1", Operation: "device.attach"},
			Rollback:  &rb,
			Status:    domain.StepStatusCreated,
			CreatedAt: now, UpdatedAt: now,
		},
	}
}

// --- Workflow Tests ---

func TestStore_Workflows(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			wf := sampleWorkflow()
			if err := store.Workflows.Create(ctx, wf); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := store.Workflows.GetByID(ctx, wf.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Name != wf.Name || got.Status != domain.WorkflowStatusRunning || got.TaskID != wf.TaskID {
				t.Errorf("unexpected workflow: %+v", got)
			}

			if _, err := store.Workflows.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			active, err := store.Workflows.List(ctx, WorkflowFilter{Active: true})
			if err != nil || len(active) != 1 {
				t.Fatalf("expected 1 active workflow, got %d (%v)", len(active), err)
			}

			got.MarkFinished(domain.WorkflowStatusFailed, "step failed; rollback failed", true)
			if err := store.Workflows.Update(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}

			done, err := store.Workflows.List(ctx, WorkflowFilter{Completed: true})
			if err != nil || len(done) != 1 {
				t.Fatalf("expected 1 completed workflow, got %d (%v)", len(done), err)
			}
			if !done[0].RollbackFailed || done[0].Error == "" || done[0].FinishedAt == nil {
				t.Errorf("finished fields not persisted: %+v", done[0])
			}

			active, _ = store.Workflows.List(ctx, WorkflowFilter{Active: true})
			if len(active) != 0 {
				t.Errorf("expected no active workflows, got %d", len(active))
			}
		})
	}
}

func TestStore_WorkflowLease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			wf := sampleWorkflow()
			wf.Owner = "node-a"
			until := now.Add(time.Minute)
			wf.LeaseUntil = &until
			if err := store.Workflows.Create(ctx, wf); err != nil {
				t.Fatalf("create: %v", err)
			}

			ok, err := store.Workflows.ClaimLease(ctx, wf.ID, "node-b", now, now.Add(time.Minute))
			if err != nil || ok {
				t.Fatalf("live lease must not be claimed by another owner: ok=%v err=%v", ok, err)
			}
			if ok, err := store.Workflows.ClaimLease(ctx, wf.ID, "node-a", now, now.Add(time.Minute)); err != nil || !ok {
				t.Fatalf("owner must be able to reclaim its lease: ok=%v err=%v", ok, err)
			}
			if ok, err := store.Workflows.RenewLease(ctx, wf.ID, "node-b", now.Add(time.Hour)); err != nil || ok {
				t.Fatalf("foreign renew must fail: ok=%v err=%v", ok, err)
			}

			// Обычный Update не снимает аренду.
			got, _ := store.Workflows.GetByID(ctx, wf.ID)
			got.Cancelled = true
			if err := store.Workflows.Update(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, _ = store.Workflows.GetByID(ctx, wf.ID)
			if got.Owner != "node-a" || got.LeaseUntil == nil {
				t.Errorf("update must keep the lease, got owner=%q until=%v", got.Owner, got.LeaseUntil)
			}

			later := now.Add(2 * time.Minute)
			if ok, err := store.Workflows.ClaimLease(ctx, wf.ID, "node-b", later, later.Add(time.Minute)); err != nil || !ok {
				t.Fatalf("expired lease must be claimable: ok=%v err=%v", ok, err)
			}
			if ok, _ := store.Workflows.RenewLease(ctx, wf.ID, "node-a", later.Add(time.Hour)); ok {
				t.Error("previous owner must lose the lease")
			}

			if err := store.Workflows.ReleaseLease(ctx, wf.ID, "node-b"); err != nil {
				t.Fatalf("release: %v", err)
			}
			got, _ = store.Workflows.GetByID(ctx, wf.ID)
			if got.Owner != "" || got.LeaseUntil != nil {
				t.Errorf("lease not released: owner=%q until=%v", got.Owner, got.LeaseUntil)
			}

			got.MarkFinished(domain.WorkflowStatusSucceeded, "", false)
			if err := store.Workflows.Update(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			if ok, _ := store.Workflows.ClaimLease(ctx, wf.ID, "node-c", later, later.Add(time.Minute)); ok {
				t.Error("finished workflow must not be claimable")
			}
		})
	}
}

func TestStore_ArchiveFinished(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := sampleWorkflow()
			old.MarkFinished(domain.WorkflowStatusSucceeded, "", false)
			running := sampleWorkflow()
			for _, wf := range []*domain.Workflow{old, running} {
				if err := store.Workflows.Create(ctx, wf); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			n, err := store.Workflows.ArchiveFinished(ctx, time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("archive: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 archived, got %d", n)
			}

			visible, _ := store.Workflows.List(ctx, WorkflowFilter{})
			if len(visible) != 1 || visible[0].ID != running.ID {
				t.Errorf("archived workflow must be hidden by default")
			}
			all, _ := store.Workflows.List(ctx, WorkflowFilter{IncludeArchived: true})
			if len(all) != 2 {
				t.Errorf("expected 2 workflows with archived, got %d", len(all))
			}
		})
	}
}

// --- Step Tests ---

func TestStore_Steps(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wfID := uuid.New()

			if err := store.Steps.CreateBatch(ctx, sampleSteps(wfID)); err != nil {
				t.Fatalf("create batch: %v", err)
			}

			steps, err := store.Steps.ListByWorkflow(ctx, wfID)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(steps) != 2 || steps[0].ID != "s1" || steps[1].ID != "s2" {
				t.Fatalf("unexpected steps: %+v", steps)
			}
			if !steps[1].HasRollback() || steps[1].Rollback.Operation != "device.detach" {
				t.Error("rollback action not persisted")
			}
			if len(steps[1].WaitFor) != 1 || steps[1].WaitFor[0] != "s1" {
				t.Errorf("wait_for not persisted: %v", steps[1].WaitFor)
			}
			if string(steps[0].Forward.Args) != `{"size_gb":10}` {
				t.Errorf("args not persisted: %s", steps[0].Forward.Args)
			}
			if r := steps[0].Forward.Reserves; len(r) != 1 || r[0] != "vol-1-replica" {
				t.Errorf("reserves not persisted: %v", r)
			}

			step := steps[0]
			step.Transition(domain.StepStatusExecuting, "")
			step.Job = &domain.JobHandle{TargetType: "sim", DeviceID: "vol-1", JobID: "job-9", WorkflowID: wfID, StepID: "s1", Phase: domain.PhaseForward}
			if err := store.Steps.Update(ctx, &step); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := store.Steps.GetByID(ctx, wfID, "s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != domain.StepStatusExecuting || got.Job == nil || got.Job.JobID != "job-9" {
				t.Errorf("job handle not persisted: %+v", got)
			}

			missing := domain.Step{ID: "nope", WorkflowID: wfID}
			if err := store.Steps.Update(ctx, &missing); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

// --- Task Tests ---

func TestStore_TaskMonotonic(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := domain.NewTask("ingest vol-1", []string{"vol-1", "host-1"})
			if err := store.Tasks.Create(ctx, task); err != nil {
				t.Fatalf("create: %v", err)
			}

			if err := task.MarkError("VALIDATION", "volume is exported"); err != nil {
				t.Fatalf("mark error: %v", err)
			}
			if err := store.Tasks.Update(ctx, task); err != nil {
				t.Fatalf("update: %v", err)
			}

			// Попытка перезаписать финальную task
			stale := *task
			stale.Status = domain.TaskStatusReady
			if err := store.Tasks.Update(ctx, &stale); !errors.Is(err, ErrInvalidState) {
				t.Errorf("expected ErrInvalidState, got %v", err)
			}

			got, err := store.Tasks.GetByID(ctx, task.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != domain.TaskStatusError || got.Message != "volume is exported" {
				t.Errorf("task regressed: %+v", got)
			}
			if len(got.ResourceIDs) != 2 {
				t.Errorf("expected 2 resource ids, got %v", got.ResourceIDs)
			}

			unknown := domain.NewTask("x", nil)
			if err := store.Tasks.Update(ctx, unknown); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMemoryStore_DuplicateCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wf := sampleWorkflow()
	if err := store.Workflows.Create(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Workflows.Create(ctx, wf); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for workflow, got %v", err)
	}

	steps := sampleSteps(wf.ID)
	if err := store.Steps.CreateBatch(ctx, steps); err != nil {
		t.Fatalf("create steps: %v", err)
	}
	if err := store.Steps.CreateBatch(ctx, steps[:1]); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for step, got %v", err)
	}
	if err := store.Workflows.ReleaseLease(ctx, uuid.New(), "node-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown workflow lease, got %v", err)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.db")
	ctx := context.Background()

	first := newSQLiteStore(t, path)
	wf := sampleWorkflow()
	if err := first.Workflows.Create(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Steps.CreateBatch(ctx, sampleSteps(wf.ID)); err != nil {
		t.Fatalf("create steps: %v", err)
	}

	second := newSQLiteStore(t, path)
	active, err := second.Workflows.List(ctx, WorkflowFilter{Active: true})
	if err != nil || len(active) != 1 || active[0].ID != wf.ID {
		t.Fatalf("workflow not visible after reopen: %v %v", active, err)
	}
	steps, err := second.Steps.ListByWorkflow(ctx, wf.ID)
	if err != nil || len(steps) != 2 {
		t.Fatalf("steps not visible after reopen: %d %v", len(steps), err)
	}
}
