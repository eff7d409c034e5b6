package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/executor"
)

type notifyCall struct {
	deviceID string
	jobID    string
	state    executor.JobState
}

type fakeNotifier struct {
	known bool
	calls []notifyCall
}

func (f *fakeNotifier) Notify(deviceID, jobID string, state executor.JobState) bool {
	f.calls = append(f.calls, notifyCall{deviceID, jobID, state})
	return f.known
}

// roundTrip имитирует доставку: payload приходит как распарсенный JSON.
func roundTrip(t *testing.T, msg *Message) *Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Message
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &Delivery{Message: out}
}

// --- JobCompletedHandler Tests ---

func TestJobCompletedHandler(t *testing.T) {
	n := &fakeNotifier{known: true}
	h := JobCompletedHandler(n, nil)

	msg := NewMessage(MessageTypeJobCompleted, JobCompletedPayload{
		DeviceID: "array-1",
		JobID:    "job-9",
		Status:   "succeeded",
		Message:  "volume created",
	})
	if err := h(context.Background(), roundTrip(t, msg)); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if len(n.calls) != 1 {
		t.Fatalf("expected 1 notify call, got %d", len(n.calls))
	}
	call := n.calls[0]
	if call.deviceID != "array-1" || call.jobID != "job-9" {
		t.Errorf("unexpected job reference: %+v", call)
	}
	if call.state.Status != executor.JobSucceeded || call.state.Message != "volume created" {
		t.Errorf("unexpected state: %+v", call.state)
	}
}

func TestJobCompletedHandler_UnknownStatusIsPending(t *testing.T) {
	n := &fakeNotifier{}
	h := JobCompletedHandler(n, nil)

	msg := NewMessage(MessageTypeJobCompleted, JobCompletedPayload{
		DeviceID:  "array-1",
		JobID:     "job-1",
		Status:    "copying",
		SubStatus: "42%",
	})
	// Job не опрашивается этим экземпляром: сообщение всё равно подтверждается.
	if err := h(context.Background(), roundTrip(t, msg)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if n.calls[0].state.Status != executor.JobPending || n.calls[0].state.SubStatus != "42%" {
		t.Errorf("expected pending with sub-status, got %+v", n.calls[0].state)
	}
}

func TestJobCompletedHandler_WrongType(t *testing.T) {
	h := JobCompletedHandler(&fakeNotifier{}, nil)

	msg := NewMessage(MessageTypeWorkflowFinished, WorkflowFinishedPayload{})
	if err := h(context.Background(), roundTrip(t, msg)); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("expected ErrUnexpectedMessage, got %v", err)
	}
}

// --- Payload Tests ---

func TestStepTransitionPayloadFrom(t *testing.T) {
	child := uuid.New()
	step := domain.Step{
		ID:              "s-1",
		WorkflowID:      uuid.New(),
		Key:             "device.attach",
		Status:          domain.StepStatusExecuting,
		Job:             &domain.JobHandle{JobID: "job-3"},
		ChildWorkflowID: &child,
	}

	p := StepTransitionPayloadFrom(step)
	if p.JobID != "job-3" || p.Key != "device.attach" || p.ChildWorkflowID == nil {
		t.Errorf("unexpected payload: %+v", p)
	}
	if got := StepRoutingKey(string(step.Status)); got != "step.EXECUTING" {
		t.Errorf("expected step.EXECUTING, got %s", got)
	}
}

func TestWorkflowFinishedPayloadFrom(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(1500 * time.Millisecond)
	wf := domain.Workflow{
		ID:             uuid.New(),
		Name:           "create volume",
		Status:         domain.WorkflowStatusFailed,
		Error:          "ATTACH_FAILED: no path",
		RollbackFailed: true,
		StartedAt:      start,
		FinishedAt:     &end,
	}

	p := WorkflowFinishedPayloadFrom(wf)
	if p.Status != domain.WorkflowStatusFailed || !p.RollbackFailed || p.DurationMS != 1500 {
		t.Errorf("unexpected payload: %+v", p)
	}
}
