package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "LinguaChain/internal/errors"
	"LinguaChain/internal/events"
	"LinguaChain/internal/ipfs"
	"LinguaChain/internal/llm"
	"LinguaChain/internal/observability/alerting"
	"LinguaChain/internal/payments"
	"LinguaChain/internal/protocol"
	"LinguaChain/pkg/logger"
)

// PeerConfig 指定委托模式下的第三方智能体与其订阅计划。
// AgentDID 为空时走本地模式，text2speech 在本进程内完成。
type PeerConfig struct {
	AgentDID string
	PlanDID  string
}

// Translator 是翻译智能体的事件调度器。它负责 init/translate/text2speech
// 三步工作流：init 铺开后继步骤，translate 调用大模型，text2speech 在本地
// 合成并上传，或委托给付费的第三方智能体并等待回调。
type Translator struct {
	client    protocol.Client
	llmClient llm.Client
	pinner    ipfs.Pinner
	payment   payments.Service
	alerter   alerting.Dispatcher

	did         string
	peer        PeerConfig
	sourceLang  string
	targetLang  string
	stepTimeout time.Duration

	mu sync.Mutex
	// delegations 按子任务 ID 记录等待回调的本地步骤。
	delegations map[string]*protocol.Step
}

// TranslatorOption 定义可选的调度器配置。
type TranslatorOption func(*Translator)

// WithStepTimeout 设置处理单个事件的超时时间。
func WithStepTimeout(timeout time.Duration) TranslatorOption {
	return func(t *Translator) {
		if timeout <= 0 {
			t.stepTimeout = 0
			return
		}
		t.stepTimeout = timeout
	}
}

// WithLanguages 指定翻译的源语言与目标语言。
func WithLanguages(source, target string) TranslatorOption {
	return func(t *Translator) {
		t.sourceLang = source
		t.targetLang = target
	}
}

// WithPinner 配置本地模式使用的内容发布器。
func WithPinner(pinner ipfs.Pinner) TranslatorOption {
	return func(t *Translator) {
		t.pinner = pinner
	}
}

// WithPeer 启用委托模式并指定对端智能体与支付服务。
func WithPeer(peer PeerConfig, payment payments.Service) TranslatorOption {
	return func(t *Translator) {
		t.peer = peer
		t.payment = payment
	}
}

// WithAlerter 配置失败路径上的告警分发器。
func WithAlerter(alerter alerting.Dispatcher) TranslatorOption {
	return func(t *Translator) {
		t.alerter = alerter
	}
}

// NewTranslator 创建翻译智能体。
func NewTranslator(did string, client protocol.Client, llmClient llm.Client, opts ...TranslatorOption) *Translator {
	t := &Translator{
		client:      client,
		llmClient:   llmClient,
		did:         did,
		delegations: make(map[string]*protocol.Step),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// DelegationMode 判断 text2speech 步骤是否走委托路径。
func (t *Translator) DelegationMode() bool {
	return t.peer.AgentDID != ""
}

// Handle 消费一条协议事件。步骤就绪事件驱动工作流推进，任务状态事件
// 驱动委托回调。其他事件静默忽略。
func (t *Translator) Handle(ctx context.Context, ev events.Event) error {
	if t.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置协议客户端")
	}
	if t.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.stepTimeout)
		defer cancel()
	}

	switch ev.Kind {
	case events.KindStepReady:
		if ev.DID != "" && ev.DID != t.did {
			return nil
		}
		return t.handleStep(ctx, ev.StepID)
	case events.KindTaskStatus:
		return t.handleCallback(ctx, ev)
	default:
		logger.L().Warn("忽略未知类型的事件", slog.String("kind", string(ev.Kind)))
		return nil
	}
}

func (t *Translator) handleStep(ctx context.Context, stepID string) error {
	step, err := t.client.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	// 重复投递的事件会看到非 Pending 状态，直接丢弃。
	if step.Status != protocol.StatusPending {
		logger.L().Info("步骤已被处理，跳过",
			slog.String("step_id", step.StepID),
			slog.String("status", string(step.Status)))
		return nil
	}

	name, err := protocol.ParseStepName(string(step.Name))
	if err != nil {
		return t.logFailure(ctx, step, fmt.Sprintf("Error processing step '%s': unrecognized step name", step.Name), err)
	}

	switch name {
	case protocol.StepInit:
		return t.handleInit(ctx, step)
	case protocol.StepTranslate:
		return t.handleTranslate(ctx, step)
	case protocol.StepText2Speech:
		if t.DelegationMode() {
			return t.delegate(ctx, step)
		}
		return t.handleText2Speech(ctx, step)
	}
	return nil
}

// handleInit 铺开工作流：translate 接在 init 之后，text2speech 接在
// translate 之后并作为末尾步骤。init 的产出原样继承任务输入。
func (t *Translator) handleInit(ctx context.Context, step *protocol.Step) error {
	claimed, err := t.claim(ctx, step)
	if err != nil || !claimed {
		return err
	}

	translateStep := &protocol.Step{
		StepID:      protocol.NewStepID(),
		TaskID:      step.TaskID,
		DID:         step.DID,
		Name:        protocol.StepTranslate,
		Status:      protocol.StatusPending,
		Predecessor: step.StepID,
	}
	speechStep := &protocol.Step{
		StepID:      protocol.NewStepID(),
		TaskID:      step.TaskID,
		DID:         step.DID,
		Name:        protocol.StepText2Speech,
		Status:      protocol.StatusPending,
		Predecessor: translateStep.StepID,
		IsLast:      true,
	}
	if err := t.client.CreateSteps(ctx, step.DID, step.TaskID, []*protocol.Step{translateStep, speechStep}); err != nil {
		return t.failStep(ctx, step, fmt.Sprintf("Error creating workflow steps: %v", err), err)
	}

	return t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
		Status: protocol.StatusCompleted,
		Output: step.InputQuery,
	})
}

// handleTranslate 调用大模型翻译步骤输入。
func (t *Translator) handleTranslate(ctx context.Context, step *protocol.Step) error {
	if t.llmClient == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	claimed, err := t.claim(ctx, step)
	if err != nil || !claimed {
		return err
	}

	if err := t.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: "Starting translation",
		Level:   "info",
		Status:  protocol.StatusPending,
	}); err != nil {
		logger.L().Warn("写入任务日志失败", slog.String("task_id", step.TaskID), slog.Any("error", err))
	}

	translated, err := t.llmClient.Translate(ctx, llm.TranslationRequest{
		Text:       step.InputQuery,
		SourceLang: t.sourceLang,
		TargetLang: t.targetLang,
	})
	if err != nil {
		return t.failStep(ctx, step, fmt.Sprintf("Error translating text: %v", err), err)
	}

	return t.completeStep(ctx, step, translated, nil)
}

// handleText2Speech 在本地合成语音并发布到 IPFS。
func (t *Translator) handleText2Speech(ctx context.Context, step *protocol.Step) error {
	if t.llmClient == nil || t.pinner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "本地模式需要大模型客户端与内容发布器")
	}
	claimed, err := t.claim(ctx, step)
	if err != nil || !claimed {
		return err
	}

	if err := t.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: "Starting text2speech",
		Level:   "info",
		Status:  protocol.StatusPending,
	}); err != nil {
		logger.L().Warn("写入任务日志失败", slog.String("task_id", step.TaskID), slog.Any("error", err))
	}

	url, err := synthesizeAudio(ctx, t.llmClient, t.pinner, step.InputQuery)
	if err != nil {
		return t.failStep(ctx, step, fmt.Sprintf("Error generating speech: %v", err), err)
	}

	output := fmt.Sprintf("Speech file uploaded to IPFS at %s", url)
	return t.completeStep(ctx, step, output, []string{url})
}

// delegate 把 text2speech 步骤委托给第三方智能体。余额不足时只做一次
// 购买尝试；委托失败时步骤保持 Pending，只写一条 Failed 日志。
func (t *Translator) delegate(ctx context.Context, step *protocol.Step) error {
	if t.payment == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "委托模式需要支付服务")
	}

	balance, err := t.payment.GetPlanBalance(ctx, t.peer.PlanDID)
	if err != nil {
		return t.logFailure(ctx, step, fmt.Sprintf("Error checking plan balance: %v", err), err)
	}
	if !balance.HasCredits() {
		logger.L().Info("计划余额不足，尝试购买",
			slog.String("plan_did", t.peer.PlanDID),
			slog.String("task_id", step.TaskID))
		if err := t.payment.OrderPlan(ctx, t.peer.PlanDID); err != nil {
			return t.logFailure(ctx, step, "Insufficient balance for third-party plan", err)
		}
	}

	subtask, err := t.client.CreateTask(ctx, t.peer.AgentDID, protocol.CreateTaskRequest{
		Query: step.InputQuery,
		Name:  protocol.StepText2Speech,
	})
	if err != nil {
		return t.logFailure(ctx, step, fmt.Sprintf("Error creating subtask: %v", err), err)
	}

	t.mu.Lock()
	t.delegations[subtask.TaskID] = step
	t.mu.Unlock()

	if err := t.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: fmt.Sprintf("Subtask with id %s created successfully", subtask.TaskID),
		Level:   "info",
		Status:  protocol.StatusInProgress,
	}); err != nil {
		logger.L().Warn("写入任务日志失败", slog.String("task_id", step.TaskID), slog.Any("error", err))
	}

	err = t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusPending, protocol.StepUpdate{
		Status: protocol.StatusInProgress,
	})
	if stdErrors.Is(err, protocol.ErrStepConflict) {
		return nil
	}
	return err
}

// handleCallback 处理第三方任务的状态回调。终态回调把子任务的产出
// 原样拷贝到本地步骤；非终态回调只追加日志。
func (t *Translator) handleCallback(ctx context.Context, ev events.Event) error {
	t.mu.Lock()
	step, ok := t.delegations[ev.TaskID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	status := protocol.Status(ev.Status)
	if !status.Terminal() {
		return t.client.LogTask(ctx, protocol.TaskLog{
			TaskID:  step.TaskID,
			Message: fmt.Sprintf("Subtask %s: %s", ev.TaskID, ev.Message),
			Level:   "info",
		})
	}

	result, err := t.client.GetTaskWithSteps(ctx, t.peer.AgentDID, ev.TaskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.delegations, ev.TaskID)
	t.mu.Unlock()

	if status == protocol.StatusCompleted {
		err = t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
			Status:          protocol.StatusCompleted,
			Output:          result.Task.Output,
			OutputArtifacts: result.Task.OutputArtifacts,
		})
		if stdErrors.Is(err, protocol.ErrStepConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		return t.client.LogTask(ctx, protocol.TaskLog{
			TaskID:  step.TaskID,
			Message: "Subtask completed",
			Level:   "info",
			Status:  protocol.StatusCompleted,
		})
	}

	message := fmt.Sprintf("Error in subtask: %s", result.Task.Output)
	err = t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
		Status: protocol.StatusFailed,
		Output: message,
	})
	if stdErrors.Is(err, protocol.ErrStepConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	t.emitAlert(step, xerrors.CodeUpstreamFailure, message)
	return t.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: message,
		Level:   "error",
		Status:  protocol.StatusFailed,
	})
}

// claim 以 CAS 方式把步骤从 Pending 迁移到 In_Progress。迁移失败说明
// 另一份投递已经抢到了这个步骤。
func (t *Translator) claim(ctx context.Context, step *protocol.Step) (bool, error) {
	err := t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusPending, protocol.StepUpdate{
		Status: protocol.StatusInProgress,
	})
	if err != nil {
		if stdErrors.Is(err, protocol.ErrStepConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// completeStep 把步骤迁移到 Completed。末尾步骤额外写一条任务级完成日志。
func (t *Translator) completeStep(ctx context.Context, step *protocol.Step, output string, artifacts []string) error {
	if err := t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
		Status:          protocol.StatusCompleted,
		Output:          output,
		OutputArtifacts: artifacts,
	}); err != nil {
		return err
	}
	if !step.IsLast {
		return nil
	}
	return t.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: "Workflow completed",
		Level:   "info",
		Status:  protocol.StatusCompleted,
	})
}

// failStep 把已认领的步骤迁移到 Failed 并写下唯一一条失败日志。
func (t *Translator) failStep(ctx context.Context, step *protocol.Step, message string, cause error) error {
	if err := t.client.UpdateStep(ctx, step.DID, step.TaskID, step.StepID, protocol.StatusInProgress, protocol.StepUpdate{
		Status: protocol.StatusFailed,
		Output: message,
	}); err != nil && !stdErrors.Is(err, protocol.ErrStepConflict) {
		logger.L().Error("更新失败步骤状态失败",
			slog.String("step_id", step.StepID), slog.Any("error", err))
	}
	return t.logFailure(ctx, step, message, cause)
}

// logFailure 写下失败日志并触发告警，不触碰步骤状态。
func (t *Translator) logFailure(ctx context.Context, step *protocol.Step, message string, cause error) error {
	t.emitAlert(step, xerrors.CodeOf(cause), message)
	logger.L().Error(message,
		slog.String("task_id", step.TaskID),
		slog.String("step_id", step.StepID),
		slog.Any("error", cause))
	return t.client.LogTask(ctx, protocol.TaskLog{
		TaskID:  step.TaskID,
		Message: message,
		Level:   "error",
		Status:  protocol.StatusFailed,
	})
}

func (t *Translator) emitAlert(step *protocol.Step, code xerrors.Code, message string) {
	if t.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		AgentDID:   t.did,
		TaskID:     step.TaskID,
		StepID:     step.StepID,
		StepName:   string(step.Name),
		OccurredAt: time.Now(),
	}
	if err := t.alerter.Notify(context.Background(), event); err != nil {
		logger.L().Warn("告警发送失败", slog.Any("error", err))
	}
}
