package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"LinguaChain/internal/events"
	"LinguaChain/internal/llm"
	"LinguaChain/internal/payments"
	"LinguaChain/internal/protocol"
)

// fakeProtocol 记录所有协议调用，并用内存表实现 CAS 语义。
type fakeProtocol struct {
	mu           sync.Mutex
	steps        map[string]*protocol.Step
	createCalls  [][]*protocol.Step
	logs         []protocol.TaskLog
	remoteTasks  map[string]*protocol.TaskWithSteps
	createdTasks []protocol.CreateTaskRequest
	createErr    error
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		steps:       make(map[string]*protocol.Step),
		remoteTasks: make(map[string]*protocol.TaskWithSteps),
	}
}

func (f *fakeProtocol) addStep(step *protocol.Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *step
	f.steps[step.StepID] = &clone
}

func (f *fakeProtocol) step(t *testing.T, stepID string) protocol.Step {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[stepID]
	if !ok {
		t.Fatalf("step %s not found", stepID)
	}
	return *step
}

func (f *fakeProtocol) GetStep(_ context.Context, stepID string) (*protocol.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[stepID]
	if !ok {
		return nil, protocol.ErrStepNotFound
	}
	clone := *step
	return &clone, nil
}

func (f *fakeProtocol) CreateSteps(_ context.Context, did, taskID string, steps []*protocol.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, steps)
	for _, step := range steps {
		clone := *step
		clone.DID = did
		clone.TaskID = taskID
		if clone.Status == "" {
			clone.Status = protocol.StatusPending
		}
		f.steps[clone.StepID] = &clone
	}
	return nil
}

func (f *fakeProtocol) UpdateStep(_ context.Context, _, _, stepID string, expect protocol.Status, update protocol.StepUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[stepID]
	if !ok {
		return protocol.ErrStepNotFound
	}
	if step.Status != expect {
		return protocol.ErrStepConflict
	}
	step.Status = update.Status
	if update.Output != "" {
		step.Output = update.Output
	}
	if update.OutputArtifacts != nil {
		step.OutputArtifacts = append([]string(nil), update.OutputArtifacts...)
	}
	return nil
}

func (f *fakeProtocol) CreateTask(_ context.Context, _ string, req protocol.CreateTaskRequest) (*protocol.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdTasks = append(f.createdTasks, req)
	taskID := fmt.Sprintf("task-sub-%d", len(f.createdTasks))
	return &protocol.Task{TaskID: taskID, Status: protocol.StatusPending, InputQuery: req.Query}, nil
}

func (f *fakeProtocol) GetTaskWithSteps(_ context.Context, _, taskID string) (*protocol.TaskWithSteps, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.remoteTasks[taskID]
	if !ok {
		return nil, protocol.ErrTaskNotFound
	}
	return result, nil
}

func (f *fakeProtocol) LogTask(_ context.Context, entry protocol.TaskLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeProtocol) failedLogs() []protocol.TaskLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.TaskLog
	for _, entry := range f.logs {
		if entry.Status == protocol.StatusFailed {
			out = append(out, entry)
		}
	}
	return out
}

type fakeLLM struct {
	translated   string
	translateErr error
	speechErr    error
}

func (f *fakeLLM) Translate(_ context.Context, _ llm.TranslationRequest) (string, error) {
	if f.translateErr != nil {
		return "", f.translateErr
	}
	return f.translated, nil
}

func (f *fakeLLM) Speech(_ context.Context, _ llm.SpeechRequest) (string, error) {
	if f.speechErr != nil {
		return "", f.speechErr
	}
	dir, err := os.MkdirTemp("", "speech-test-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "text2speech.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakePinner struct {
	cid    string
	pinErr error
	pinned []string
}

func (f *fakePinner) PinFile(_ context.Context, path string) (string, error) {
	_ = os.Remove(path)
	if f.pinErr != nil {
		return "", f.pinErr
	}
	f.pinned = append(f.pinned, path)
	return f.cid, nil
}

func (f *fakePinner) GatewayURL(cid string) string {
	return "https://gateway.pinata.cloud/ipfs/" + cid
}

type fakePayments struct {
	credits    int64
	orderErr   error
	orderCalls int
}

func (f *fakePayments) GetPlanBalance(_ context.Context, planDID string) (payments.Balance, error) {
	return payments.Balance{PlanDID: planDID, Credits: big.NewInt(f.credits)}, nil
}

func (f *fakePayments) OrderPlan(_ context.Context, _ string) error {
	f.orderCalls++
	if f.orderErr != nil {
		return f.orderErr
	}
	f.credits++
	return nil
}

func stepReady(stepID string) events.Event {
	return events.Event{Kind: events.KindStepReady, DID: "did:translator", TaskID: "task-1", StepID: stepID}
}

func TestTranslatorSkipsNonPendingStep(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-1", TaskID: "task-1", DID: "did:translator", Name: protocol.StepTranslate, Status: protocol.StatusInProgress})
	tr := NewTranslator("did:translator", client, &fakeLLM{translated: "hello"})

	if err := tr.Handle(context.Background(), stepReady("step-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.step(t, "step-1"); got.Status != protocol.StatusInProgress {
		t.Fatalf("step must stay untouched, got %s", got.Status)
	}
	if len(client.logs) != 0 {
		t.Fatalf("no logs expected, got %d", len(client.logs))
	}
}

func TestTranslatorIgnoresForeignSteps(t *testing.T) {
	client := newFakeProtocol()
	tr := NewTranslator("did:translator", client, &fakeLLM{})

	ev := events.Event{Kind: events.KindStepReady, DID: "did:other", TaskID: "task-1", StepID: "step-x"}
	if err := tr.Handle(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTranslatorUnknownStepName(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-1", TaskID: "task-1", DID: "did:translator", Name: "banana", Status: protocol.StatusPending})
	tr := NewTranslator("did:translator", client, &fakeLLM{})

	if err := tr.Handle(context.Background(), stepReady("step-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := client.failedLogs()
	if len(failed) != 1 {
		t.Fatalf("expected exactly one failed log, got %d", len(failed))
	}
	if !strings.Contains(failed[0].Message, "banana") {
		t.Fatalf("unexpected message: %q", failed[0].Message)
	}
	// 未知步骤不产生任何状态迁移。
	if got := client.step(t, "step-1"); got.Status != protocol.StatusPending {
		t.Fatalf("step must stay pending, got %s", got.Status)
	}
}

func TestTranslatorInitFanOut(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-init", TaskID: "task-1", DID: "did:translator", Name: protocol.StepInit, Status: protocol.StatusPending, InputQuery: "hola mundo"})
	tr := NewTranslator("did:translator", client, &fakeLLM{})

	if err := tr.Handle(context.Background(), stepReady("step-init")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.createCalls) != 1 {
		t.Fatalf("expected one CreateSteps call, got %d", len(client.createCalls))
	}
	created := client.createCalls[0]
	if len(created) != 2 {
		t.Fatalf("expected two successors, got %d", len(created))
	}

	translate, speech := created[0], created[1]
	if translate.Name != protocol.StepTranslate || speech.Name != protocol.StepText2Speech {
		t.Fatalf("unexpected successor names: %s, %s", translate.Name, speech.Name)
	}
	if translate.Predecessor != "step-init" {
		t.Fatalf("translate predecessor mismatch: %s", translate.Predecessor)
	}
	if speech.Predecessor != translate.StepID {
		t.Fatalf("speech predecessor mismatch: %s", speech.Predecessor)
	}
	if translate.IsLast || !speech.IsLast {
		t.Fatalf("exactly the speech step must be last")
	}

	init := client.step(t, "step-init")
	if init.Status != protocol.StatusCompleted || init.Output != "hola mundo" {
		t.Fatalf("unexpected init state: %+v", init)
	}
}

func TestTranslatorTranslateSuccess(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-tr", TaskID: "task-1", DID: "did:translator", Name: protocol.StepTranslate, Status: protocol.StatusPending, InputQuery: "hola"})
	tr := NewTranslator("did:translator", client, &fakeLLM{translated: "hello"}, WithLanguages("Spanish", "English"))

	if err := tr.Handle(context.Background(), stepReady("step-tr")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := client.step(t, "step-tr")
	if got.Status != protocol.StatusCompleted || got.Output != "hello" {
		t.Fatalf("unexpected step state: %+v", got)
	}
	if len(client.failedLogs()) != 0 {
		t.Fatalf("no failed logs expected")
	}
	if len(client.logs) == 0 || client.logs[0].Message != "Starting translation" {
		t.Fatalf("expected start log, got %+v", client.logs)
	}
}

func TestTranslatorTranslateFailure(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-tr", TaskID: "task-1", DID: "did:translator", Name: protocol.StepTranslate, Status: protocol.StatusPending, InputQuery: "hola"})
	tr := NewTranslator("did:translator", client, &fakeLLM{translateErr: errors.New("rate limited")})

	if err := tr.Handle(context.Background(), stepReady("step-tr")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := client.step(t, "step-tr")
	if got.Status != protocol.StatusFailed {
		t.Fatalf("expected failed step, got %s", got.Status)
	}
	failed := client.failedLogs()
	if len(failed) != 1 || !strings.Contains(failed[0].Message, "rate limited") {
		t.Fatalf("expected one failed log with cause, got %+v", failed)
	}
}

func TestTranslatorLocalText2Speech(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-t2s", TaskID: "task-1", DID: "did:translator", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello", IsLast: true})
	pinner := &fakePinner{cid: "QmAudio"}
	tr := NewTranslator("did:translator", client, &fakeLLM{}, WithPinner(pinner))

	if err := tr.Handle(context.Background(), stepReady("step-t2s")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := client.step(t, "step-t2s")
	wantURL := "https://gateway.pinata.cloud/ipfs/QmAudio"
	if got.Status != protocol.StatusCompleted {
		t.Fatalf("expected completed step, got %s", got.Status)
	}
	if !strings.Contains(got.Output, wantURL) {
		t.Fatalf("unexpected output: %q", got.Output)
	}
	if len(got.OutputArtifacts) != 1 || got.OutputArtifacts[0] != wantURL {
		t.Fatalf("unexpected artifacts: %v", got.OutputArtifacts)
	}

	// 末尾步骤完成后写任务级完成日志。
	last := client.logs[len(client.logs)-1]
	if last.Status != protocol.StatusCompleted {
		t.Fatalf("expected task-level completed log, got %+v", last)
	}
}

func TestTranslatorDelegationTopUpFailure(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-t2s", TaskID: "task-1", DID: "did:translator", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello", IsLast: true})
	payment := &fakePayments{credits: 0, orderErr: errors.New("tx reverted")}
	tr := NewTranslator("did:translator", client, &fakeLLM{},
		WithPeer(PeerConfig{AgentDID: "did:peer", PlanDID: "did:plan"}, payment))

	if err := tr.Handle(context.Background(), stepReady("step-t2s")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if payment.orderCalls != 1 {
		t.Fatalf("expected exactly one top-up attempt, got %d", payment.orderCalls)
	}
	if len(client.createdTasks) != 0 {
		t.Fatalf("no remote task expected")
	}
	failed := client.failedLogs()
	if len(failed) != 1 || failed[0].Message != "Insufficient balance for third-party plan" {
		t.Fatalf("expected one insufficient-balance log, got %+v", failed)
	}
	// 委托失败时步骤保持 Pending。
	if got := client.step(t, "step-t2s"); got.Status != protocol.StatusPending {
		t.Fatalf("step must stay pending, got %s", got.Status)
	}
}

func TestTranslatorDelegationCreateTaskFailure(t *testing.T) {
	client := newFakeProtocol()
	client.createErr = errors.New("backend unavailable")
	client.addStep(&protocol.Step{StepID: "step-t2s", TaskID: "task-1", DID: "did:translator", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello", IsLast: true})
	tr := NewTranslator("did:translator", client, &fakeLLM{},
		WithPeer(PeerConfig{AgentDID: "did:peer", PlanDID: "did:plan"}, &fakePayments{credits: 1}))

	if err := tr.Handle(context.Background(), stepReady("step-t2s")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := client.failedLogs()
	if len(failed) != 1 || !strings.Contains(failed[0].Message, "Error creating subtask") {
		t.Fatalf("expected one subtask-failure log, got %+v", failed)
	}
	if got := client.step(t, "step-t2s"); got.Status != protocol.StatusPending {
		t.Fatalf("step must stay pending, got %s", got.Status)
	}
}

func TestTranslatorDelegationAndCallback(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-t2s", TaskID: "task-1", DID: "did:translator", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello", IsLast: true})
	payment := &fakePayments{credits: 1}
	tr := NewTranslator("did:translator", client, &fakeLLM{},
		WithPeer(PeerConfig{AgentDID: "did:peer", PlanDID: "did:plan"}, payment))
	ctx := context.Background()

	if err := tr.Handle(ctx, stepReady("step-t2s")); err != nil {
		t.Fatalf("delegate: %v", err)
	}

	// 余额充足，不触发购买。
	if payment.orderCalls != 0 {
		t.Fatalf("no top-up expected, got %d", payment.orderCalls)
	}
	if len(client.createdTasks) != 1 || client.createdTasks[0].Query != "hello" {
		t.Fatalf("unexpected remote task: %+v", client.createdTasks)
	}
	if got := client.step(t, "step-t2s"); got.Status != protocol.StatusInProgress {
		t.Fatalf("expected in-progress step, got %s", got.Status)
	}
	if len(client.logs) == 0 || !strings.Contains(client.logs[0].Message, "created successfully") {
		t.Fatalf("expected subtask creation log, got %+v", client.logs)
	}

	// 非终态回调仅转发为日志。
	logsBefore := len(client.logs)
	if err := tr.Handle(ctx, events.Event{Kind: events.KindTaskStatus, TaskID: "task-sub-1", Status: string(protocol.StatusPending), Message: "Starting Text2Speech"}); err != nil {
		t.Fatalf("non-terminal callback: %v", err)
	}
	if len(client.logs) != logsBefore+1 {
		t.Fatalf("expected forwarded log")
	}
	if got := client.step(t, "step-t2s"); got.Status != protocol.StatusInProgress {
		t.Fatalf("non-terminal callback must not move the step, got %s", got.Status)
	}

	// 终态回调把子任务产出原样拷贝到本地步骤。
	wantURL := "https://gateway.pinata.cloud/ipfs/QmRemote"
	client.remoteTasks["task-sub-1"] = &protocol.TaskWithSteps{
		Task: protocol.Task{TaskID: "task-sub-1", Status: protocol.StatusCompleted, Output: wantURL, OutputArtifacts: []string{wantURL}},
	}
	if err := tr.Handle(ctx, events.Event{Kind: events.KindTaskStatus, TaskID: "task-sub-1", Status: string(protocol.StatusCompleted)}); err != nil {
		t.Fatalf("terminal callback: %v", err)
	}

	got := client.step(t, "step-t2s")
	if got.Status != protocol.StatusCompleted || got.Output != wantURL {
		t.Fatalf("unexpected step state: %+v", got)
	}
	if len(got.OutputArtifacts) != 1 || got.OutputArtifacts[0] != wantURL {
		t.Fatalf("artifacts must be copied verbatim: %v", got.OutputArtifacts)
	}

	// 重复投递同一回调是无操作。
	logsBefore = len(client.logs)
	if err := tr.Handle(ctx, events.Event{Kind: events.KindTaskStatus, TaskID: "task-sub-1", Status: string(protocol.StatusCompleted)}); err != nil {
		t.Fatalf("repeated callback: %v", err)
	}
	if len(client.logs) != logsBefore {
		t.Fatalf("repeated callback must be a no-op")
	}
}

func TestTranslatorDelegationCallbackFailure(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-t2s", TaskID: "task-1", DID: "did:translator", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello", IsLast: true})
	tr := NewTranslator("did:translator", client, &fakeLLM{},
		WithPeer(PeerConfig{AgentDID: "did:peer", PlanDID: "did:plan"}, &fakePayments{credits: 1}))
	ctx := context.Background()

	if err := tr.Handle(ctx, stepReady("step-t2s")); err != nil {
		t.Fatalf("delegate: %v", err)
	}

	client.remoteTasks["task-sub-1"] = &protocol.TaskWithSteps{
		Task: protocol.Task{TaskID: "task-sub-1", Status: protocol.StatusFailed, Output: "TTS quota exceeded"},
	}
	if err := tr.Handle(ctx, events.Event{Kind: events.KindTaskStatus, TaskID: "task-sub-1", Status: string(protocol.StatusFailed)}); err != nil {
		t.Fatalf("failure callback: %v", err)
	}

	got := client.step(t, "step-t2s")
	if got.Status != protocol.StatusFailed {
		t.Fatalf("expected failed step, got %s", got.Status)
	}
	if !strings.Contains(got.Output, "Error in subtask") {
		t.Fatalf("unexpected output: %q", got.Output)
	}
	failed := client.failedLogs()
	if len(failed) != 1 || !strings.Contains(failed[0].Message, "TTS quota exceeded") {
		t.Fatalf("expected one failed log, got %+v", failed)
	}
}

var _ protocol.Client = (*fakeProtocol)(nil)
var _ llm.Client = (*fakeLLM)(nil)
var _ payments.Service = (*fakePayments)(nil)
