package events

import "encoding/json"

// Kind 区分协议后台推送的事件类型。
type Kind string

const (
	// KindStepReady 表示有步骤等待处理。
	KindStepReady Kind = "step-ready"
	// KindTaskStatus 表示某个任务的状态或日志发生变化，用于回调委托方。
	KindTaskStatus Kind = "task-status"
)

// Event 是队列与订阅通道上传递的统一消息体。Status 使用字符串以保持
// 与协议后台的枚举解耦。
type Event struct {
	Kind    Kind   `json:"kind"`
	DID     string `json:"did,omitempty"`
	TaskID  string `json:"task_id"`
	StepID  string `json:"step_id,omitempty"`
	Status  string `json:"task_status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode 将事件序列化为队列消息。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode 从队列消息还原事件。
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
