package domain

import (
	"errors"
	"testing"
)

func TestTask_MonotonicTransitions(t *testing.T) {
	task := NewTask("create volume", []string{"vol-1"})
	if task.Status != TaskStatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	if err := task.MarkReady("done"); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	if task.Status != TaskStatusReady || task.FinishedAt == nil {
		t.Errorf("expected ready with finished_at, got %s", task.Status)
	}

	if err := task.MarkError("X", "late failure"); !errors.Is(err, ErrTaskFinalized) {
		t.Errorf("expected ErrTaskFinalized, got %v", err)
	}
	if task.Status != TaskStatusReady || task.Message != "done" {
		t.Errorf("task regressed: status=%s message=%q", task.Status, task.Message)
	}
}

func TestStep_Transition(t *testing.T) {
	step := &Step{ID: "s1", Status: StepStatusCreated}

	step.Transition(StepStatusExecuting, "")
	if step.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	step.Job = &JobHandle{JobID: "job-1"}
	step.Transition(StepStatusSucceeded, "ok")
	if step.Job != nil {
		t.Error("expected job handle to be cleared on terminal status")
	}
	if step.FinishedAt == nil || step.Message != "ok" {
		t.Errorf("unexpected step state: %+v", step)
	}
}

func TestStepStatus_IsSettled(t *testing.T) {
	settled := []StepStatus{StepStatusCreated, StepStatusQueued, StepStatusFailed, StepStatusRolledBack, StepStatusRollbackFailed}
	for _, s := range settled {
		if !s.IsSettled() {
			t.Errorf("%s should be settled", s)
		}
	}
	for _, s := range []StepStatus{StepStatusExecuting, StepStatusSucceeded, StepStatusRollingBack} {
		if s.IsSettled() {
			t.Errorf("%s should not be settled", s)
		}
	}
}
