package protocol

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "LinguaChain/internal/errors"
)

// MemoryStore 以内存方式保存任务与步骤状态，主要用于测试和单机模式。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	steps map[string]*Step
	logs  map[string][]TaskLog
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		steps: make(map[string]*Step),
		logs:  make(map[string][]TaskLog),
	}
}

// CreateTask 实现 Store 接口。
func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.TaskID]; ok {
		return xerrors.New(xerrors.CodeConflict, "任务已存在")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.TaskID] = cloneTask(task)
	return nil
}

// CreateSteps 批量登记新步骤。
func (m *MemoryStore) CreateSteps(_ context.Context, did, taskID string, steps []*Step) error {
	if len(steps) == 0 {
		return xerrors.New(CodeStepValidation, "steps 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	for _, step := range steps {
		if step == nil || step.StepID == "" {
			return xerrors.New(CodeStepValidation, "步骤 ID 不能为空")
		}
		if _, ok := m.steps[step.StepID]; ok {
			return ErrStepExists
		}
	}
	now := time.Now().Unix()
	for _, step := range steps {
		clone := cloneStep(step)
		clone.DID = did
		clone.TaskID = taskID
		if clone.Status == "" {
			clone.Status = StatusPending
		}
		if clone.CreatedAt == 0 {
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		m.steps[clone.StepID] = clone
	}
	return nil
}

// GetStep 返回步骤。
func (m *MemoryStore) GetStep(_ context.Context, stepID string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	return cloneStep(step), nil
}

// UpdateStep 以 CAS 方式迁移步骤状态。末尾步骤进入终态时同步任务状态。
func (m *MemoryStore) UpdateStep(_ context.Context, _, taskID, stepID string, expect Status, update StepUpdate) error {
	if !IsValidStatus(update.Status) {
		return xerrors.New(CodeStepValidation, "不支持的步骤状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[stepID]
	if !ok {
		return ErrStepNotFound
	}
	if step.Status != expect {
		return ErrStepConflict
	}
	step.Status = update.Status
	if update.Output != "" {
		step.Output = update.Output
	}
	if update.OutputArtifacts != nil {
		step.OutputArtifacts = append([]string(nil), update.OutputArtifacts...)
	}
	step.UpdatedAt = time.Now().Unix()

	if step.IsLast && step.Status.Terminal() {
		if task, ok := m.tasks[taskID]; ok {
			task.Status = step.Status
			task.Output = step.Output
			task.OutputArtifacts = append([]string(nil), step.OutputArtifacts...)
			task.UpdatedAt = step.UpdatedAt
		}
	}
	return nil
}

// SeedStepInput 为尚未执行的步骤填充输入，用于把前驱产出传给后继。
func (m *MemoryStore) SeedStepInput(_ context.Context, stepID, input string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[stepID]
	if !ok {
		return ErrStepNotFound
	}
	if step.Status != StatusPending {
		return ErrStepConflict
	}
	step.InputQuery = input
	return nil
}

// GetTaskWithSteps 返回任务及其全部步骤，按创建顺序排列。
func (m *MemoryStore) GetTaskWithSteps(_ context.Context, taskID string) (*TaskWithSteps, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	steps := make([]*Step, 0, 4)
	for _, step := range m.steps {
		if step.TaskID == taskID {
			steps = append(steps, cloneStep(step))
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt == steps[j].CreatedAt {
			return steps[i].StepID < steps[j].StepID
		}
		return steps[i].CreatedAt < steps[j].CreatedAt
	})
	return &TaskWithSteps{Task: *cloneTask(task), Steps: steps}, nil
}

// ListTasks 返回最近的任务。
func (m *MemoryStore) ListTasks(_ context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		results = append(results, cloneTask(task))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].TaskID < results[j].TaskID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// AppendLog 追加任务日志。带状态的日志同步任务状态。
func (m *MemoryStore) AppendLog(_ context.Context, entry TaskLog) error {
	if entry.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "日志缺少任务 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	m.logs[entry.TaskID] = append(m.logs[entry.TaskID], entry)
	if entry.Status != "" {
		if task, ok := m.tasks[entry.TaskID]; ok {
			task.Status = entry.Status
			task.UpdatedAt = entry.CreatedAt
		}
	}
	return nil
}

// ListLogs 返回指定任务的全部日志。
func (m *MemoryStore) ListLogs(_ context.Context, taskID string) ([]TaskLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[taskID]
	return append([]TaskLog(nil), entries...), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
