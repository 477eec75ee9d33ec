package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "LinguaChain/internal/errors"
	"LinguaChain/internal/protocol"
)

// Backend 是运维接口依赖的协议后台能力子集。LocalBackend 天然满足。
type Backend interface {
	CreateTask(ctx context.Context, agentDID string, req protocol.CreateTaskRequest) (*protocol.Task, error)
	GetTaskWithSteps(ctx context.Context, agentDID, taskID string) (*protocol.TaskWithSteps, error)
	ListTasks(ctx context.Context, limit int) ([]*protocol.Task, error)
}

// Server 负责暴露 REST 接口，供运维人员提交任务并观察工作流进度。
type Server struct {
	addr    string
	did     string
	backend Backend
}

// NewServer 构造 API 服务实例。did 是本机智能体的 DID，新任务都挂在它名下。
func NewServer(addr, did string, backend Backend) *Server {
	return &Server{addr: addr, did: did, backend: backend}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由后的处理器，便于测试时直接挂到 httptest。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	return mux
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateTask 创建一个新的工作流任务。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		http.Error(w, "协议后台未初始化", http.StatusServiceUnavailable)
		return
	}

	var req protocol.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	task, err := s.backend.CreateTask(r.Context(), s.did, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"task": task})
}

// handleTaskByID 返回任务详情及其全部步骤。
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.backend == nil {
		http.Error(w, "协议后台未初始化", http.StatusServiceUnavailable)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "非法的任务 ID", http.StatusBadRequest)
		return
	}

	result, err := s.backend.GetTaskWithSteps(r.Context(), s.did, taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	tasks, err := s.backend.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
}

// writeError 把统一错误类型映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case protocol.CodeTaskNotFound, protocol.CodeStepNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case protocol.CodeStepConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
