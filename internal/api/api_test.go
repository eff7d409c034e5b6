package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Strata/internal/adapter/sim"
	"github.com/shaiso/Strata/internal/controller"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/orchestrator"
	"github.com/shaiso/Strata/internal/poller"
	"github.com/shaiso/Strata/internal/repo"
)

type testServer struct {
	*httptest.Server
	store *repo.Store
	array *sim.Array
	block chan struct{}
}

// newTestServer поднимает API поверх движка в памяти. Операция "test.block"
// ждёт закрытия block, чтобы граф оставался активным.
func newTestServer(t *testing.T, withController bool) *testServer {
	t.Helper()

	ts := &testServer{
		store: repo.NewMemoryStore(),
		array: sim.New(sim.Config{}),
		block: make(chan struct{}),
	}

	reg := executor.NewRegistry()
	ts.array.Register(reg)
	reg.RegisterFunc("test.noop", func(context.Context, executor.Invocation) (*executor.Result, error) {
		return &executor.Result{Message: "ok"}, nil
	})
	reg.RegisterFunc("test.block", func(ctx context.Context, _ executor.Invocation) (*executor.Result, error) {
		select {
		case <-ts.block:
			return &executor.Result{Message: "unblocked"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	exec := executor.New(executor.Config{Registry: reg, Delay: time.Millisecond})
	orch := orchestrator.New(orchestrator.Config{
		Store:    ts.store,
		Executor: exec,
		Poller:   poller.New(poller.Config{Registry: reg, Interval: 5 * time.Millisecond}),
	})
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(orch.Stop)

	cfg := Config{Store: ts.store, Orchestrator: orch, Logger: discardLogger()}
	if withController {
		ctrl := controller.New(controller.Config{Orchestrator: orch, Executor: exec, Store: ts.store})
		t.Cleanup(ctrl.Wait)
		cfg.Controller = ctrl
	}

	mux := http.NewServeMux()
	NewHandler(cfg).RegisterRoutes(mux)
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func decodeData[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return resp.Data
}

func (ts *testServer) waitTask(t *testing.T, id uuid.UUID) TaskResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, body := ts.do(t, http.MethodGet, "/api/v1/tasks/"+id.String(), nil)
		if status == http.StatusOK {
			task := decodeData[TaskResponse](t, body)
			if task.Status != "pending" {
				return task
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return TaskResponse{}
}

const twoStepGraph = `{
	"name": "two steps",
	"steps": [
		{"key": "second", "wait_for": ["first"], "forward": {"target_type": "array", "target_id": "vol-1", "operation": "test.noop"}},
		{"key": "first", "forward": {"target_type": "array", "target_id": "vol-1", "operation": "test.noop"}}
	]
}`

const blockingGraph = `{
	"name": "blocking",
	"steps": [
		{"key": "wait", "forward": {"target_type": "array", "target_id": "vol-9", "operation": "test.block"}}
	]
}`

// --- Workflow Tests ---

func TestSubmitWorkflow(t *testing.T) {
	ts := newTestServer(t, false)

	status, body := ts.do(t, http.MethodPost, "/api/v1/workflows", twoStepGraph)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}
	submitted := decodeData[SubmitWorkflowResponse](t, body)
	if submitted.Workflow.Name != "two steps" || submitted.Task.WorkflowID == nil {
		t.Fatalf("unexpected response: %+v", submitted)
	}

	task := ts.waitTask(t, submitted.Task.ID)
	if task.Status != "ready" {
		t.Fatalf("expected task ready, got %s (%s)", task.Status, task.Message)
	}

	id := submitted.Workflow.ID.String()
	status, body = ts.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if wf := decodeData[WorkflowResponse](t, body); wf.Status != "SUCCEEDED" {
		t.Errorf("expected SUCCEEDED, got %s", wf.Status)
	}

	status, body = ts.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/steps", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	steps := decodeData[[]StepResponse](t, body)
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}

	status, body = ts.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/steps/"+steps[0].ID, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if step := decodeData[StepResponse](t, body); step.Status != "SUCCEEDED" {
		t.Errorf("expected step SUCCEEDED, got %s", step.Status)
	}
}

func TestSubmitWorkflow_Invalid(t *testing.T) {
	ts := newTestServer(t, false)

	tests := map[string]string{
		"malformed": `{"steps": [`,
		"empty":     `{"name": "empty", "steps": []}`,
		"cycle": `{"steps": [
			{"key": "a", "wait_for": ["b"], "forward": {"target_id": "x", "operation": "test.noop"}},
			{"key": "b", "wait_for": ["a"], "forward": {"target_id": "x", "operation": "test.noop"}}
		]}`,
		"unknown dependency": `{"steps": [
			{"key": "a", "wait_for": ["ghost"], "forward": {"target_id": "x", "operation": "test.noop"}}
		]}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			status, resp := ts.do(t, http.MethodPost, "/api/v1/workflows", body)
			if status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", status, resp)
			}
		})
	}

	status, body := ts.do(t, http.MethodGet, "/api/v1/workflows", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := decodeData[[]WorkflowResponse](t, body); len(got) != 0 {
		t.Errorf("rejected graphs must not be persisted, got %d", len(got))
	}
}

func TestGetWorkflow_Errors(t *testing.T) {
	ts := newTestServer(t, false)

	if status, _ := ts.do(t, http.MethodGet, "/api/v1/workflows/not-a-uuid", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), nil); status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown workflow, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil); status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodGet, "/api/v1/workflows/"+uuid.NewString()+"/steps", nil); status != http.StatusNotFound {
		t.Errorf("expected 404 for steps of unknown workflow, got %d", status)
	}
}

func TestListWorkflows_ActiveAndCompleted(t *testing.T) {
	ts := newTestServer(t, false)
	defer close(ts.block)

	_, body := ts.do(t, http.MethodPost, "/api/v1/workflows", twoStepGraph)
	done := decodeData[SubmitWorkflowResponse](t, body)
	ts.waitTask(t, done.Task.ID)

	status, body := ts.do(t, http.MethodPost, "/api/v1/workflows", blockingGraph)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}
	running := decodeData[SubmitWorkflowResponse](t, body)

	check := func(path string, want uuid.UUID) {
		t.Helper()
		status, body := ts.do(t, http.MethodGet, path, nil)
		if status != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, status)
		}
		got := decodeData[[]WorkflowResponse](t, body)
		if len(got) != 1 || got[0].ID != want {
			t.Errorf("%s: expected only %s, got %+v", path, want, got)
		}
	}
	check("/api/v1/workflows/active", running.Workflow.ID)
	check("/api/v1/workflows/completed", done.Workflow.ID)

	status, body = ts.do(t, http.MethodGet, "/api/v1/workflows/recent?min=5", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := decodeData[[]WorkflowResponse](t, body); len(got) != 2 {
		t.Errorf("expected 2 recent workflows, got %d", len(got))
	}

	if status, _ := ts.do(t, http.MethodGet, "/api/v1/workflows/recent?min=-1", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for negative min, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodGet, "/api/v1/workflows?limit=abc", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid limit, got %d", status)
	}

	status, body = ts.do(t, http.MethodGet, "/api/v1/workflows/"+running.Workflow.ID.String(), nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if wf := decodeData[WorkflowResponse](t, body); wf.Progress == nil || wf.Progress.TotalSteps != 1 {
		t.Errorf("active workflow must report progress, got %+v", wf.Progress)
	}
}

func TestCancelWorkflow(t *testing.T) {
	ts := newTestServer(t, false)

	_, body := ts.do(t, http.MethodPost, "/api/v1/workflows", blockingGraph)
	running := decodeData[SubmitWorkflowResponse](t, body)
	path := "/api/v1/workflows/" + running.Workflow.ID.String() + "/cancel"

	status, body := ts.do(t, http.MethodPost, path, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", status, body)
	}
	if wf := decodeData[WorkflowResponse](t, body); !wf.Cancelled {
		t.Error("workflow must be marked cancelled")
	}

	close(ts.block)
	task := ts.waitTask(t, running.Task.ID)
	if task.Status != "error" || task.ErrorCode != "CANCELLED" {
		t.Errorf("expected CANCELLED task, got %s %s", task.Status, task.ErrorCode)
	}

	if status, _ := ts.do(t, http.MethodPost, path, nil); status != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for finished workflow, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/cancel", nil); status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown workflow, got %d", status)
	}
}

// --- Block Controller Tests ---

func TestCreateAndDeleteVolume(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := ts.do(t, http.MethodPost, "/api/v1/volumes", VolumeRequest{VolumeID: "vol-1", SizeGB: 10, HostID: "host-1"})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", status, body)
	}
	task := ts.waitTask(t, decodeData[TaskResponse](t, body).ID)
	if task.Status != "ready" {
		t.Fatalf("expected task ready, got %s (%s)", task.Status, task.Message)
	}
	if ts.array.Attachment("vol-1") != "host-1" {
		t.Error("vol-1 must be attached to host-1")
	}

	status, body = ts.do(t, http.MethodDelete, "/api/v1/volumes/vol-1?host_id=host-1", nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", status, body)
	}
	if task := ts.waitTask(t, decodeData[TaskResponse](t, body).ID); task.Status != "ready" {
		t.Fatalf("expected task ready, got %s (%s)", task.Status, task.Message)
	}
	if _, ok := ts.array.Device("vol-1"); ok {
		t.Error("vol-1 must be deleted")
	}
}

func TestCreateVolume_BadRequest(t *testing.T) {
	ts := newTestServer(t, true)

	if status, _ := ts.do(t, http.MethodPost, "/api/v1/volumes", VolumeRequest{VolumeID: "vol-1"}); status != http.StatusBadRequest {
		t.Errorf("expected 400 without size, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodPost, "/api/v1/volumes", "{"); status != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", status)
	}
}

func TestIngestVolumes(t *testing.T) {
	ts := newTestServer(t, true)
	ts.array.AddUnmanaged("legacy-1", 20)

	status, body := ts.do(t, http.MethodPost, "/api/v1/volumes/ingest", IngestRequest{
		Volumes: []controller.VolumeSpec{{VolumeID: "legacy-1"}, {}},
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", status, body)
	}

	resp := decodeData[IngestResponse](t, body)
	if len(resp.Tasks) != 1 || len(resp.Errors) != 1 {
		t.Fatalf("expected 1 task and 1 error, got %+v", resp)
	}
	if !strings.Contains(resp.Errors[0], "volume_id") {
		t.Errorf("unexpected error %q", resp.Errors[0])
	}
	if task := ts.waitTask(t, resp.Tasks[0].ID); task.Status != "ready" {
		t.Errorf("expected task ready, got %s (%s)", task.Status, task.Message)
	}

	if status, _ := ts.do(t, http.MethodPost, "/api/v1/volumes/ingest", IngestRequest{}); status != http.StatusBadRequest {
		t.Errorf("expected 400 for empty ingest, got %d", status)
	}
}

func TestRescanHost(t *testing.T) {
	ts := newTestServer(t, true)

	status, body := ts.do(t, http.MethodPost, "/api/v1/hosts/host-1/rescan", nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", status, body)
	}
	if task := ts.waitTask(t, decodeData[TaskResponse](t, body).ID); task.Status != "ready" {
		t.Errorf("expected task ready, got %s (%s)", task.Status, task.Message)
	}
	if ts.array.Rescans("host-1") != 1 {
		t.Errorf("expected 1 rescan, got %d", ts.array.Rescans("host-1"))
	}
}

func TestControllerNotConfigured(t *testing.T) {
	ts := newTestServer(t, false)

	if status, _ := ts.do(t, http.MethodPost, "/api/v1/hosts/host-1/rescan", nil); status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
}

// --- Middleware Tests ---

func TestLoggingCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	NotFound(rw, "missing")

	if rw.status != http.StatusNotFound || rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 captured, got %d / %d", rw.status, rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestRecovery_AfterHeaderWritten(t *testing.T) {
	h := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected original status 202 to survive, got %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(HeaderRequestID)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	h.ServeHTTP(rec, req)
	if seen != "req-42" || rec.Header().Get(HeaderRequestID) != "req-42" {
		t.Errorf("expected propagated request id, got %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if id := rec.Header().Get(HeaderRequestID); len(id) != 36 {
		t.Errorf("expected generated uuid request id, got %q", id)
	}
}
