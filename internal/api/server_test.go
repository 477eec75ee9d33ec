package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"LinguaChain/internal/events"
	"LinguaChain/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *protocol.LocalBackend) {
	t.Helper()
	backend := protocol.NewLocalBackend(protocol.NewMemoryStore(), events.NewMemoryQueue(16))
	return NewServer(":0", "did:translator", backend), backend
}

func TestServerCreateTask(t *testing.T) {
	server, _ := newTestServer(t)

	body := strings.NewReader(`{"query": "hola mundo"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Task protocol.Task `json:"task"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Task.TaskID == "" {
		t.Fatalf("expected a task id")
	}
	if resp.Task.InputQuery != "hola mundo" {
		t.Fatalf("unexpected input query: %q", resp.Task.InputQuery)
	}
	if resp.Task.Status != protocol.StatusPending {
		t.Fatalf("expected pending task, got %s", resp.Task.Status)
	}
}

func TestServerCreateTaskBadBody(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServerGetTaskWithSteps(t *testing.T) {
	server, backend := newTestServer(t)

	task, err := backend.CreateTask(t.Context(), "did:translator", protocol.CreateTaskRequest{Query: "hola"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.TaskID, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp protocol.TaskWithSteps
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Task.TaskID != task.TaskID {
		t.Fatalf("task id mismatch: %s vs %s", resp.Task.TaskID, task.TaskID)
	}
	if len(resp.Steps) != 1 || resp.Steps[0].Name != protocol.StepInit {
		t.Fatalf("expected a single init step, got %+v", resp.Steps)
	}
}

func TestServerGetTaskNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServerListTasks(t *testing.T) {
	server, backend := newTestServer(t)

	for _, query := range []string{"uno", "dos", "tres"} {
		if _, err := backend.CreateTask(t.Context(), "did:translator", protocol.CreateTaskRequest{Query: query}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=2", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Tasks []*protocol.Task `json:"tasks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("expected limit to cap the list at 2, got %d", len(resp.Tasks))
	}
}
