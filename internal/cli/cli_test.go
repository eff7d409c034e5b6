package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// fakeAPI записывает запросы и отвечает заданным телом.
type fakeAPI struct {
	method string
	path   string
	query  string
	body   map[string]any
}

func newFakeAPI(t *testing.T, status int, response string) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.method = r.Method
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		json.NewDecoder(r.Body).Decode(&f.body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return f, NewClient(srv.URL + "/")
}

func run(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.Execute()
}

func outputs(jsonMode bool) (*Output, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return NewOutputTo(jsonMode, &stdout, &stderr), &stdout, &stderr
}

// --- Client Tests ---

func TestClient_ListWorkflowsPaths(t *testing.T) {
	tests := []struct {
		opts      ListWorkflowsOpts
		wantPath  string
		wantQuery string
	}{
		{ListWorkflowsOpts{}, "/api/v1/workflows", ""},
		{ListWorkflowsOpts{State: "active"}, "/api/v1/workflows/active", ""},
		{ListWorkflowsOpts{State: "completed", Limit: 5}, "/api/v1/workflows/completed", "limit=5"},
		{ListWorkflowsOpts{State: "recent", Minutes: 30}, "/api/v1/workflows/recent", "min=30"},
		{ListWorkflowsOpts{Status: "FAILED"}, "/api/v1/workflows", "status=FAILED"},
	}

	for _, tt := range tests {
		f, client := newFakeAPI(t, http.StatusOK, `{"data": [{"id": "wf-1", "status": "RUNNING"}], "total": 1}`)

		workflows, err := client.ListWorkflows(tt.opts)
		if err != nil {
			t.Fatalf("ListWorkflows(%+v) error = %v", tt.opts, err)
		}
		if f.path != tt.wantPath || f.query != tt.wantQuery {
			t.Errorf("ListWorkflows(%+v): requested %s?%s, want %s?%s", tt.opts, f.path, f.query, tt.wantPath, tt.wantQuery)
		}
		if len(workflows) != 1 || workflows[0].ID != "wf-1" {
			t.Errorf("unexpected workflows: %+v", workflows)
		}
	}
}

func TestClient_ListWorkflowsUnknownState(t *testing.T) {
	client := NewClient("http://localhost:0")
	if _, err := client.ListWorkflows(ListWorkflowsOpts{State: "zombie"}); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestClient_APIError(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusUnprocessableEntity,
		`{"error": {"code": "INVALID_STATE", "message": "workflow already finished"}}`)

	_, err := client.CancelWorkflow("wf-1")
	if err == nil || !strings.Contains(err.Error(), "INVALID_STATE") {
		t.Errorf("expected INVALID_STATE error, got %v", err)
	}
}

func TestClient_DeleteVolume(t *testing.T) {
	f, client := newFakeAPI(t, http.StatusAccepted, `{"data": {"id": "task-1", "status": "pending"}}`)

	task, err := client.DeleteVolume("vol-1", "host-1")
	if err != nil {
		t.Fatalf("DeleteVolume() error = %v", err)
	}
	if f.method != http.MethodDelete || f.path != "/api/v1/volumes/vol-1" || f.query != "host_id=host-1" {
		t.Errorf("unexpected request %s %s?%s", f.method, f.path, f.query)
	}
	if task.ID != "task-1" {
		t.Errorf("unexpected task %+v", task)
	}
}

// --- Command Tests ---

func TestWorkflowListCmd(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusOK, `{"data": [
		{"id": "wf-1", "name": "create volume vol-1", "status": "FAILED", "rollback_failed": true, "task_id": "t-1"}
	], "total": 1}`)
	out, stdout, _ := outputs(false)

	cmd := NewWorkflowCmd(func() *Client { return client }, func() *Output { return out })
	if err := run(t, cmd, "list", "--state", "completed"); err != nil {
		t.Fatalf("workflow list error = %v", err)
	}

	got := stdout.String()
	if !strings.Contains(got, "create volume vol-1") || !strings.Contains(got, "FAILED (rollback failed)") {
		t.Errorf("unexpected table:\n%s", got)
	}
}

func TestWorkflowShowCmd_JSON(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusOK, `{"data": {"id": "wf-1", "status": "RUNNING",
		"progress": {"total_steps": 3, "by_status": {"SUCCEEDED": 1, "EXECUTING": 1, "CREATED": 1}}}}`)
	out, stdout, _ := outputs(true)

	cmd := NewWorkflowCmd(func() *Client { return client }, func() *Output { return out })
	if err := run(t, cmd, "show", "wf-1"); err != nil {
		t.Fatalf("workflow show error = %v", err)
	}

	var wf WorkflowResponse
	if err := json.Unmarshal(stdout.Bytes(), &wf); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if wf.Progress == nil || wf.Progress.TotalSteps != 3 {
		t.Errorf("unexpected workflow %+v", wf)
	}
}

func TestVolumeCreateCmd(t *testing.T) {
	f, client := newFakeAPI(t, http.StatusAccepted, `{"data": {"id": "task-1", "name": "create volume vol-1", "status": "pending"}}`)
	out, stdout, stderr := outputs(false)

	cmd := NewVolumeCmd(func() *Client { return client }, func() *Output { return out })
	if err := run(t, cmd, "create", "vol-1", "--size", "10", "--host", "host-1"); err != nil {
		t.Fatalf("volume create error = %v", err)
	}

	if f.path != "/api/v1/volumes" || f.body["volume_id"] != "vol-1" || f.body["size_gb"] != float64(10) || f.body["host_id"] != "host-1" {
		t.Errorf("unexpected request %s %v", f.path, f.body)
	}
	if !strings.Contains(stderr.String(), "task-1") || !strings.Contains(stdout.String(), "pending") {
		t.Errorf("unexpected output:\n%s\n%s", stdout.String(), stderr.String())
	}
}

func TestVolumeIngestCmd_PartialErrors(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusAccepted, `{"data": {
		"tasks": [{"id": "task-1", "status": "pending", "resource_ids": ["legacy-1"]}],
		"errors": ["ingest ghost: invalid request"]
	}}`)
	out, stdout, stderr := outputs(false)

	cmd := NewVolumeCmd(func() *Client { return client }, func() *Output { return out })
	if err := run(t, cmd, "ingest", "legacy-1", "ghost"); err != nil {
		t.Fatalf("volume ingest error = %v", err)
	}

	if !strings.Contains(stderr.String(), "ingest ghost") {
		t.Errorf("expected error for ghost, got %q", stderr.String())
	}
	if !strings.Contains(stdout.String(), "legacy-1") {
		t.Errorf("expected task row for legacy-1, got:\n%s", stdout.String())
	}
}

// --- Formatting Tests ---

func TestProgress(t *testing.T) {
	if got := progress(nil); got != "-" {
		t.Errorf("progress(nil) = %q", got)
	}
	p := &ProgressResponse{ByStatus: map[string]int{"SUCCEEDED": 2, "EXECUTING": 1}}
	if got := progress(p); got != "EXECUTING=1 SUCCEEDED=2" {
		t.Errorf("progress() = %q", got)
	}
}

func TestWorkflowShowCmd_Details(t *testing.T) {
	_, client := newFakeAPI(t, http.StatusOK, `{"data": {"id": "wf-1", "name": "delete volume vol-1",
		"status": "RUNNING", "cancelled": true}}`)
	out, stdout, _ := outputs(false)

	cmd := NewWorkflowCmd(func() *Client { return client }, func() *Output { return out })
	if err := run(t, cmd, "show", "wf-1"); err != nil {
		t.Fatalf("workflow show error = %v", err)
	}

	got := stdout.String()
	for _, want := range []string{"Name:", "delete volume vol-1", "RUNNING (cancelling)", "Progress:"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in:\n%s", want, got)
		}
	}
}

func TestOutput_Table(t *testing.T) {
	out, stdout, stderr := outputs(false)

	out.Print([]string{"ID", "MESSAGE"}, nil, nil)
	if !strings.Contains(stderr.String(), "No results.") || stdout.Len() != 0 {
		t.Errorf("expected empty-result notice, got stdout=%q stderr=%q", stdout.String(), stderr.String())
	}

	out.Print([]string{"ID", "MESSAGE"}, [][]string{{"t-1", ""}, {"t-2", "line1\nline2"}}, nil)
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, underline and 2 rows, got:\n%s", stdout.String())
	}
	if !strings.HasSuffix(lines[2], "-") || !strings.Contains(lines[3], "line1 line2") {
		t.Errorf("unexpected rows:\n%s", stdout.String())
	}
}
