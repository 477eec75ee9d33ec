package protocol

import "context"

// Store 抽象了步骤与任务状态的持久化接口。内存实现用于测试与单机模式，
// MySQL 实现用于生产部署。
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	CreateSteps(ctx context.Context, did, taskID string, steps []*Step) error
	GetStep(ctx context.Context, stepID string) (*Step, error)
	// UpdateStep 仅在步骤当前状态等于 expect 时应用更新，否则返回 ErrStepConflict。
	UpdateStep(ctx context.Context, did, taskID, stepID string, expect Status, update StepUpdate) error
	GetTaskWithSteps(ctx context.Context, taskID string) (*TaskWithSteps, error)
	ListTasks(ctx context.Context, limit int) ([]*Task, error)
	AppendLog(ctx context.Context, entry TaskLog) error
	ListLogs(ctx context.Context, taskID string) ([]TaskLog, error)
	Close() error
}
