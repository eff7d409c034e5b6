package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// WorkflowResponse — граф из API.
type WorkflowResponse struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Status           string            `json:"status"`
	TaskID           string            `json:"task_id"`
	ParentWorkflowID string            `json:"parent_workflow_id,omitempty"`
	Error            string            `json:"error,omitempty"`
	RollbackFailed   bool              `json:"rollback_failed"`
	Cancelled        bool              `json:"cancelled"`
	StartedAt        string            `json:"started_at"`
	FinishedAt       string            `json:"finished_at,omitempty"`
	CreatedAt        string            `json:"created_at"`
	Progress         *ProgressResponse `json:"progress,omitempty"`
}

// ProgressResponse — прогресс активного графа.
type ProgressResponse struct {
	TotalSteps  int            `json:"total_steps"`
	ByStatus    map[string]int `json:"by_status"`
	RollingBack bool           `json:"rolling_back"`
}

// ActionResponse — действие шага.
type ActionResponse struct {
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Operation  string          `json:"operation"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// StepResponse — шаг графа из API.
type StepResponse struct {
	ID              string          `json:"id"`
	Key             string          `json:"key"`
	Position        int             `json:"position"`
	Description     string          `json:"description"`
	WaitFor         []string        `json:"wait_for,omitempty"`
	Forward         ActionResponse  `json:"forward"`
	Rollback        *ActionResponse `json:"rollback,omitempty"`
	Status          string          `json:"status"`
	Message         string          `json:"message,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	JobID           string          `json:"job_id,omitempty"`
	JobSubStatus    string          `json:"job_sub_status,omitempty"`
	ChildWorkflowID string          `json:"child_workflow_id,omitempty"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID          string   `json:"id"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	Name        string   `json:"name"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
	Status      string   `json:"status"`
	Message     string   `json:"message,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	FinishedAt  string   `json:"finished_at,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// IngestResponse — результат ingest.
type IngestResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Errors []string       `json:"errors,omitempty"`
}

// --- Request types ---

// VolumeRequest — запрос на операцию с томом.
type VolumeRequest struct {
	VolumeID       string `json:"volume_id"`
	ArrayID        string `json:"array_id,omitempty"`
	SizeGB         int    `json:"size_gb,omitempty"`
	HostID         string `json:"host_id,omitempty"`
	Schedule       string `json:"schedule,omitempty"`
	ReplicaArrayID string `json:"replica_array_id,omitempty"`
}

// ListWorkflowsOpts — параметры выборки графов.
type ListWorkflowsOpts struct {
	// State — all, active, completed или recent.
	State string

	// Minutes — окно для State=recent.
	Minutes int

	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Strata API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Workflows ---

// ListWorkflows возвращает графы с фильтрацией.
func (c *Client) ListWorkflows(opts ListWorkflowsOpts) ([]WorkflowResponse, error) {
	path := "/api/v1/workflows"
	params := url.Values{}

	switch opts.State {
	case "", "all":
	case "active", "completed":
		path += "/" + opts.State
	case "recent":
		path += "/recent"
		if opts.Minutes > 0 {
			params.Set("min", strconv.Itoa(opts.Minutes))
		}
	default:
		return nil, fmt.Errorf("unknown workflow state %q", opts.State)
	}

	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var workflows []WorkflowResponse
	err := c.list(path, params, &workflows)
	return workflows, err
}

// GetWorkflow возвращает граф по ID.
func (c *Client) GetWorkflow(id string) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	err := c.get("/api/v1/workflows/"+id, &wf)
	return &wf, err
}

// ListSteps возвращает шаги графа.
func (c *Client) ListSteps(workflowID string) ([]StepResponse, error) {
	var steps []StepResponse
	err := c.list("/api/v1/workflows/"+workflowID+"/steps", nil, &steps)
	return steps, err
}

// CancelWorkflow отменяет граф.
func (c *Client) CancelWorkflow(id string) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	err := c.post("/api/v1/workflows/"+id+"/cancel", nil, &wf)
	return &wf, err
}

// --- Tasks ---

// GetTask возвращает task по ID.
func (c *Client) GetTask(id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get("/api/v1/tasks/"+id, &task)
	return &task, err
}

// --- Volumes ---

// CreateVolume запускает создание тома.
func (c *Client) CreateVolume(req VolumeRequest) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post("/api/v1/volumes", req, &task)
	return &task, err
}

// DeleteVolume запускает удаление тома.
func (c *Client) DeleteVolume(volumeID, hostID string) (*TaskResponse, error) {
	path := "/api/v1/volumes/" + url.PathEscape(volumeID)
	if hostID != "" {
		path += "?" + url.Values{"host_id": {hostID}}.Encode()
	}
	var task TaskResponse
	err := c.doData(http.MethodDelete, path, nil, &task)
	return &task, err
}

// IngestVolumes берёт неуправляемые тома под управление.
func (c *Client) IngestVolumes(volumes []VolumeRequest) (*IngestResponse, error) {
	var resp IngestResponse
	err := c.post("/api/v1/volumes/ingest", map[string]any{"volumes": volumes}, &resp)
	return &resp, err
}

// RescanHost пересканирует хост.
func (c *Client) RescanHost(hostID string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post("/api/v1/hosts/"+url.PathEscape(hostID)+"/rescan", nil, &task)
	return &task, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
