package linguachain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is the delay between status checks in WaitForTask.
const DefaultPollInterval = 2 * time.Second

// Client wraps the HTTP interactions with a LinguaChain agent's task API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	Query            string   `json:"query"`
	Name             string   `json:"name,omitempty"`
	AdditionalParams []string `json:"additional_params,omitempty"`
	Artifacts        []string `json:"artifacts,omitempty"`
}

// Task contains the state of a submitted task.
type Task struct {
	TaskID          string   `json:"task_id"`
	DID             string   `json:"did"`
	Status          string   `json:"task_status"`
	InputQuery      string   `json:"input_query,omitempty"`
	Output          string   `json:"output,omitempty"`
	OutputArtifacts []string `json:"output_artifacts,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// Step is a single unit of a task's workflow.
type Step struct {
	StepID          string   `json:"step_id"`
	TaskID          string   `json:"task_id"`
	Name            string   `json:"name"`
	Status          string   `json:"step_status"`
	Predecessor     string   `json:"predecessor,omitempty"`
	InputQuery      string   `json:"input_query,omitempty"`
	Output          string   `json:"output,omitempty"`
	OutputArtifacts []string `json:"output_artifacts,omitempty"`
	IsLast          bool     `json:"is_last"`
}

// TaskDetail contains a task together with all of its workflow steps.
type TaskDetail struct {
	Task  Task    `json:"task"`
	Steps []*Step `json:"steps"`
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	return t.Status == "Completed" || t.Status == "Failed"
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("linguachain api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for a LinguaChain agent API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTask creates a new translation workflow task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	if err := c.post(ctx, "/api/v1/tasks", submission, &resp); err != nil {
		return Task{}, err
	}
	return resp.Task, nil
}

// GetTask fetches a task and its workflow steps by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (TaskDetail, error) {
	var detail TaskDetail
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail); err != nil {
		return TaskDetail{}, err
	}
	return detail, nil
}

// ListTasks returns the most recent tasks, capped at limit when positive.
func (c *Client) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	endpoint := "/api/v1/tasks"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// WaitForTask polls the task until it reaches a terminal state or the context
// is cancelled. A non-positive interval falls back to DefaultPollInterval.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (TaskDetail, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetTask(ctx, taskID)
		if err != nil {
			return TaskDetail{}, err
		}
		if detail.Task.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return TaskDetail{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
