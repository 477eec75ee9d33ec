package protocol

import (
	"fmt"

	"github.com/google/uuid"

	xerrors "LinguaChain/internal/errors"
)

// Status 表示步骤或任务在生命周期中的状态，取值与协议后台保持一致。
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In_Progress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// StepName 是封闭的步骤类型集合。本地创建的步骤只会取这三个值，
// 外部事件里出现的其他名字在解析阶段就会被拒绝。
type StepName string

const (
	StepInit        StepName = "init"
	StepTranslate   StepName = "translate"
	StepText2Speech StepName = "text2speech"
)

// ParseStepName 将事件中的步骤名解析为封闭枚举。
func ParseStepName(raw string) (StepName, error) {
	switch StepName(raw) {
	case StepInit, StepTranslate, StepText2Speech:
		return StepName(raw), nil
	default:
		return "", xerrors.New(CodeUnknownStep, fmt.Sprintf("unknown step name: %s", raw))
	}
}

// Step 描述了工作流里的一个执行单元。Predecessor 把同一任务的步骤
// 串成单链表，IsLast 标记整条工作流的终点。
type Step struct {
	StepID          string   `json:"step_id"`
	TaskID          string   `json:"task_id"`
	DID             string   `json:"did"`
	Name            StepName `json:"name"`
	Status          Status   `json:"step_status"`
	Predecessor     string   `json:"predecessor,omitempty"`
	InputQuery      string   `json:"input_query,omitempty"`
	Output          string   `json:"output,omitempty"`
	OutputArtifacts []string `json:"output_artifacts,omitempty"`
	IsLast          bool     `json:"is_last"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// StepUpdate 描述一次对步骤的状态迁移。应用时以 CAS 方式校验当前状态，
// 避免同一事件重复投递导致的二次处理。
type StepUpdate struct {
	Status          Status   `json:"step_status"`
	Output          string   `json:"output,omitempty"`
	OutputArtifacts []string `json:"output_artifacts,omitempty"`
}

// Task 是智能体被请求执行的整体工作单元，状态镜像自末尾步骤。
type Task struct {
	TaskID          string   `json:"task_id"`
	DID             string   `json:"did"`
	Status          Status   `json:"task_status"`
	InputQuery      string   `json:"input_query,omitempty"`
	Output          string   `json:"output,omitempty"`
	OutputArtifacts []string `json:"output_artifacts,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// TaskWithSteps 把任务和它的全部步骤打包返回。
type TaskWithSteps struct {
	Task  Task    `json:"task"`
	Steps []*Step `json:"steps"`
}

// TaskLog 是追加写入的任务日志条目。
type TaskLog struct {
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Status    Status `json:"task_status,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// CreateTaskRequest 描述向某个智能体发起任务时携带的载荷。
type CreateTaskRequest struct {
	Query            string   `json:"query"`
	Name             StepName `json:"name,omitempty"`
	AdditionalParams []string `json:"additional_params,omitempty"`
	Artifacts        []string `json:"artifacts,omitempty"`
}

// NewStepID 生成新的步骤标识。
func NewStepID() string {
	return "step-" + uuid.NewString()
}

// NewTaskID 生成新的任务标识。
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

var (
	// ErrStepNotFound 表示指定的步骤不存在。
	ErrStepNotFound = xerrors.New(CodeStepNotFound, "step not found")
	// ErrStepConflict 表示步骤状态与期望不一致，CAS 更新被拒绝。
	ErrStepConflict = xerrors.New(CodeStepConflict, "step status conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrStepExists 表示步骤已经存在，重复创建被拒绝。
	ErrStepExists = xerrors.New(CodeStepExists, "step already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeStepNotFound   xerrors.Code = "STEP_NOT_FOUND"
	CodeStepConflict   xerrors.Code = "STEP_CONFLICT"
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeStepExists     xerrors.Code = "STEP_EXISTS"
	CodeUnknownStep    xerrors.Code = "UNKNOWN_STEP"
	CodeStepValidation xerrors.Code = "STEP_VALIDATION_FAILED"
	CodeLogWrite       xerrors.Code = "TASK_LOG_WRITE_FAILED"
)

func init() {
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:   "step not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepConflict, xerrors.Attributes{
		Message:   "step status conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepExists, xerrors.Attributes{
		Message:   "step already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownStep, xerrors.Attributes{
		Message:   "unrecognized step",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepValidation, xerrors.Attributes{
		Message:   "step validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLogWrite, xerrors.Attributes{
		Message:   "failed to write task log",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneStep(step *Step) *Step {
	if step == nil {
		return nil
	}
	clone := *step
	if step.OutputArtifacts != nil {
		clone.OutputArtifacts = append([]string(nil), step.OutputArtifacts...)
	}
	return &clone
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.OutputArtifacts != nil {
		clone.OutputArtifacts = append([]string(nil), task.OutputArtifacts...)
	}
	return &clone
}
