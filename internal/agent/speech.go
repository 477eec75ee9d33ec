package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "LinguaChain/internal/errors"
	"LinguaChain/internal/events"
	"LinguaChain/internal/ipfs"
	"LinguaChain/internal/llm"
	"LinguaChain/internal/observability/alerting"
	"LinguaChain/internal/protocol"
	"LinguaChain/pkg/logger"
)

// SpeechAgent 是独立的 text2speech 智能体：接收单步任务，把输入文本
// 合成为语音并发布到 IPFS，用网关地址完成步骤。
type SpeechAgent struct {
	client    protocol.Client
	llmClient llm.Client
	pinner    ipfs.Pinner
	alerter   alerting.Dispatcher

	did         string
	stepTimeout time.Duration
}

// SpeechOption 定义可选的语音智能体配置。
type SpeechOption func(*SpeechAgent)

// WithSpeechStepTimeout 设置处理单个事件的超时时间。
func WithSpeechStepTimeout(timeout time.Duration) SpeechOption {
	return func(a *SpeechAgent) {
		if timeout <= 0 {
			a.stepTimeout = 0
			return
		}
		a.stepTimeout = timeout
	}
}

// WithSpeechAlerter 配置失败路径上的告警分发器。
func WithSpeechAlerter(alerter alerting.Dispatcher) SpeechOption {
	return func(a *SpeechAgent) {
		a.alerter = alerter
	}
}

// NewSpeechAgent 创建语音智能体。
func NewSpeechAgent(did string, client protocol.Client, llmClient llm.Client, pinner ipfs.Pinner, opts ...SpeechOption) *SpeechAgent {
	a := &SpeechAgent{
		client:    client,
		llmClient: llmClient,
		pinner:    pinner,
		did:       did,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Handle 消费一条协议事件。语音智能体只关心发给自己的步骤就绪事件。
func (a *SpeechAgent) Handle(ctx context.Context, ev events.Event) error {
	if a.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置协议客户端")
	}
	if ev.Kind != events.KindStepReady {
		return nil
	}
	if ev.DID != "" && ev.DID != a.did {
		return nil
	}
	if a.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.stepTimeout)
		defer cancel()
	}
	return a.handleStep(ctx, ev.StepID)
}

func (a *SpeechAgent) handleStep(ctx context.Context, stepID string) error {
	step, err := a.client.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status != protocol.StatusPending {
		logger.L().Info("步骤已被处理，跳过",
			slog.String("step_id", step.StepID),
			slog.String("status", string(step.Status)))
		return nil
	}

	name, err := protocol.ParseStepName(string(step.Name))
	if err != nil || name != protocol.StepText2Speech {
		return a.logFailure(ctx, step, fmt.Sprintf("Error processing step '%s': unrecognized step name", step.Name), err)
	}

	if claimErr := a.claim(ctx, step); claimErr != nil {
		if stdErrors.Is(claimErr, protocol.ErrStepConflict) {
			return nil
		}
		return claimErr
	}

	if err := a.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: "Starting Text2Speech",
		Level:   "info",
		Status:  protocol.StatusPending,
	}); err != nil {
		logger.L().Warn("写入任务日志失败", slog.String("task_id", step.TaskID), slog.Any("error", err))
	}

	url, err := synthesizeAudio(ctx, a.llmClient, a.pinner, step.InputQuery)
	if err != nil {
		return a.failStep(ctx, step, fmt.Sprintf("Error generating speech: %v", err), err)
	}

	if err := a.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
		Status:          protocol.StatusCompleted,
		Output:          url,
		OutputArtifacts: []string{url},
	}); err != nil {
		return err
	}
	return a.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: "Text2Speech complete",
		Level:   "info",
		Status:  protocol.StatusCompleted,
	})
}

func (a *SpeechAgent) claim(ctx context.Context, step *protocol.Step) error {
	return a.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusPending, protocol.StepUpdate{
		Status: protocol.StatusInProgress,
	})
}

func (a *SpeechAgent) failStep(ctx context.Context, step *protocol.Step, message string, cause error) error {
	if err := a.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
		Status: protocol.StatusFailed,
		Output: message,
	}); err != nil && !stdErrors.Is(err, protocol.ErrStepConflict) {
		logger.L().Error("更新失败步骤状态失败",
			slog.String("step_id", step.StepID), slog.Any("error", err))
	}
	return a.logFailure(ctx, step, message, cause)
}

func (a *SpeechAgent) logFailure(ctx context.Context, step *protocol.Step, message string, cause error) error {
	a.emitAlert(step, xerrors.CodeOf(cause), message)
	logger.L().Error(message,
		slog.String("task_id", step.TaskID),
		slog.String("step_id", step.StepID),
		slog.Any("error", cause))
	return a.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: message,
		Level:   "error",
		Status:  protocol.StatusFailed,
	})
}

func (a *SpeechAgent) emitAlert(step *protocol.Step, code xerrors.Code, message string) {
	if a.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		AgentDID:   a.did,
		TaskID:     step.TaskID,
		StepID:     step.StepID,
		StepName:   string(step.Name),
		OccurredAt: time.Now(),
	}
	if err := a.alerter.Notify(context.Background(), event); err != nil {
		logger.L().Warn("告警发送失败", slog.Any("error", err))
	}
}
