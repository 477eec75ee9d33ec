package protocol

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "LinguaChain/internal/errors"
	"LinguaChain/internal/events"
)

// LocalBackend 在单机部署里扮演协议后台：状态直接落到 Store，
// 步骤就绪与任务状态变化通过事件通道广播给订阅的智能体。
type LocalBackend struct {
	store    Store
	producer events.Producer
}

// NewLocalBackend 构造本地协议后台。
func NewLocalBackend(store Store, producer events.Producer) *LocalBackend {
	return &LocalBackend{store: store, producer: producer}
}

// GetStep 实现 Client 接口。
func (b *LocalBackend) GetStep(ctx context.Context, stepID string) (*Step, error) {
	if b.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	return b.store.GetStep(ctx, stepID)
}

// CreateSteps 登记后继步骤。只有无前驱或前驱已完成的步骤会立即广播
// 就绪事件，其余步骤等到前驱完成时由 UpdateStep 广播。
func (b *LocalBackend) CreateSteps(ctx context.Context, did, taskID string, steps []*Step) error {
	if b.store == nil || b.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	if err := b.store.CreateSteps(ctx, did, taskID, steps); err != nil {
		return err
	}
	for _, step := range steps {
		if step.Predecessor != "" {
			pred, err := b.store.GetStep(ctx, step.Predecessor)
			if err != nil {
				if stdErrors.Is(err, ErrStepNotFound) {
					continue
				}
				return err
			}
			if pred.Status != StatusCompleted {
				continue
			}
		}
		ev := events.Event{
			Kind:   events.KindStepReady,
			DID:    did,
			TaskID: taskID,
			StepID: step.StepID,
		}
		if err := b.producer.Publish(ctx, ev); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "广播步骤就绪事件失败")
		}
	}
	return nil
}

// UpdateStep 以 CAS 方式更新步骤。前驱步骤完成后，其后继步骤变为可执行，
// 这里负责找到后继并广播就绪事件。
func (b *LocalBackend) UpdateStep(ctx context.Context, did, taskID, stepID string, expect Status, update StepUpdate) error {
	if b.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	if err := b.store.UpdateStep(ctx, did, taskID, stepID, expect, update); err != nil {
		return err
	}
	if update.Status != StatusCompleted {
		return nil
	}

	result, err := b.store.GetTaskWithSteps(ctx, taskID)
	if err != nil {
		return err
	}
	current, _ := b.store.GetStep(ctx, stepID)
	for _, step := range result.Steps {
		if step.Predecessor != stepID || step.Status != StatusPending {
			continue
		}
		// 后继步骤继承前驱的产出作为输入。
		if step.InputQuery == "" && current != nil {
			input := current.Output
			if input == "" {
				input = current.InputQuery
			}
			if input != "" {
				if err := b.seedStepInput(ctx, step.StepID, input); err != nil {
					return err
				}
			}
		}
		ev := events.Event{
			Kind:   events.KindStepReady,
			DID:    step.DID,
			TaskID: taskID,
			StepID: step.StepID,
		}
		if err := b.producer.Publish(ctx, ev); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "广播后继步骤事件失败")
		}
	}
	return nil
}

// CreateTask 创建任务与首个步骤，并广播就绪事件。委托方传入的 Name
// 决定首步类型：工作流任务从 init 开始，点对点委托直接携带目标步骤。
func (b *LocalBackend) CreateTask(ctx context.Context, agentDID string, req CreateTaskRequest) (*Task, error) {
	if b.store == nil || b.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务内容不能为空")
	}

	name := req.Name
	if name == "" {
		name = StepInit
	}

	task := &Task{
		TaskID:     NewTaskID(),
		DID:        agentDID,
		Status:     StatusPending,
		InputQuery: req.Query,
	}
	if err := b.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	step := &Step{
		StepID:     NewStepID(),
		TaskID:     task.TaskID,
		DID:        agentDID,
		Name:       name,
		Status:     StatusPending,
		InputQuery: req.Query,
		IsLast:     name != StepInit,
	}
	if err := b.store.CreateSteps(ctx, agentDID, task.TaskID, []*Step{step}); err != nil {
		return nil, err
	}
	ev := events.Event{
		Kind:   events.KindStepReady,
		DID:    agentDID,
		TaskID: task.TaskID,
		StepID: step.StepID,
	}
	if err := b.producer.Publish(ctx, ev); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "广播任务事件失败")
	}
	return task, nil
}

// GetTaskWithSteps 实现 Client 接口。
func (b *LocalBackend) GetTaskWithSteps(ctx context.Context, _, taskID string) (*TaskWithSteps, error) {
	if b.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	return b.store.GetTaskWithSteps(ctx, taskID)
}

// LogTask 追加任务日志并把带状态的日志作为任务状态事件广播，
// 委托方的回调正是由这些事件驱动。
func (b *LocalBackend) LogTask(ctx context.Context, entry TaskLog) error {
	if b.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	if err := b.store.AppendLog(ctx, entry); err != nil {
		return err
	}
	if b.producer == nil || entry.Status == "" {
		return nil
	}
	ev := events.Event{
		Kind:    events.KindTaskStatus,
		TaskID:  entry.TaskID,
		Status:  string(entry.Status),
		Message: entry.Message,
	}
	if err := b.producer.Publish(ctx, ev); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "广播任务状态事件失败")
	}
	return nil
}

// ListTasks 返回最近任务，供运维接口使用。
func (b *LocalBackend) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if b.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协议后台未初始化")
	}
	return b.store.ListTasks(ctx, limit)
}

func (b *LocalBackend) seedStepInput(ctx context.Context, stepID, input string) error {
	type inputSeeder interface {
		SeedStepInput(ctx context.Context, stepID, input string) error
	}
	if seeder, ok := b.store.(inputSeeder); ok {
		return seeder.SeedStepInput(ctx, stepID, input)
	}
	return nil
}

var _ Client = (*LocalBackend)(nil)
