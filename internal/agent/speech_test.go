package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"LinguaChain/internal/events"
	"LinguaChain/internal/protocol"
)

func speechReady(stepID string) events.Event {
	return events.Event{Kind: events.KindStepReady, DID: "did:speech", TaskID: "task-1", StepID: stepID}
}

func TestSpeechAgentCompletesStep(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-1", TaskID: "task-1", DID: "did:speech", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello world", IsLast: true})
	agent := NewSpeechAgent("did:speech", client, &fakeLLM{}, &fakePinner{cid: "QmVoice"})

	if err := agent.Handle(context.Background(), speechReady("step-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantURL := "https://gateway.pinata.cloud/ipfs/QmVoice"
	got := client.step(t, "step-1")
	if got.Status != protocol.StatusCompleted || got.Output != wantURL {
		t.Fatalf("unexpected step state: %+v", got)
	}
	if len(got.OutputArtifacts) != 1 || got.OutputArtifacts[0] != wantURL {
		t.Fatalf("unexpected artifacts: %v", got.OutputArtifacts)
	}

	if len(client.logs) != 2 {
		t.Fatalf("expected start and completion logs, got %d", len(client.logs))
	}
	if client.logs[0].Message != "Starting Text2Speech" || client.logs[0].Status != protocol.StatusPending {
		t.Fatalf("unexpected start log: %+v", client.logs[0])
	}
	if client.logs[1].Message != "Text2Speech complete" || client.logs[1].Status != protocol.StatusCompleted {
		t.Fatalf("unexpected completion log: %+v", client.logs[1])
	}
}

func TestSpeechAgentSkipsNonPendingStep(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-1", TaskID: "task-1", DID: "did:speech", Name: protocol.StepText2Speech, Status: protocol.StatusCompleted, Output: "done"})
	agent := NewSpeechAgent("did:speech", client, &fakeLLM{}, &fakePinner{cid: "QmVoice"})

	if err := agent.Handle(context.Background(), speechReady("step-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.logs) != 0 {
		t.Fatalf("no logs expected, got %d", len(client.logs))
	}
	if got := client.step(t, "step-1"); got.Output != "done" {
		t.Fatalf("step must stay untouched, got %+v", got)
	}
}

func TestSpeechAgentRejectsOtherStepNames(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-1", TaskID: "task-1", DID: "did:speech", Name: protocol.StepTranslate, Status: protocol.StatusPending, InputQuery: "hola"})
	agent := NewSpeechAgent("did:speech", client, &fakeLLM{}, &fakePinner{cid: "QmVoice"})

	if err := agent.Handle(context.Background(), speechReady("step-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := client.failedLogs()
	if len(failed) != 1 || !strings.Contains(failed[0].Message, string(protocol.StepTranslate)) {
		t.Fatalf("expected one failed log naming the step, got %+v", failed)
	}
	if got := client.step(t, "step-1"); got.Status != protocol.StatusPending {
		t.Fatalf("step must stay pending, got %s", got.Status)
	}
}

func TestSpeechAgentSynthesisFailure(t *testing.T) {
	client := newFakeProtocol()
	client.addStep(&protocol.Step{StepID: "step-1", TaskID: "task-1", DID: "did:speech", Name: protocol.StepText2Speech, Status: protocol.StatusPending, InputQuery: "hello"})
	agent := NewSpeechAgent("did:speech", client, &fakeLLM{speechErr: errors.New("quota exceeded")}, &fakePinner{cid: "QmVoice"})

	if err := agent.Handle(context.Background(), speechReady("step-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := client.step(t, "step-1")
	if got.Status != protocol.StatusFailed {
		t.Fatalf("expected failed step, got %s", got.Status)
	}
	failed := client.failedLogs()
	if len(failed) != 1 || !strings.Contains(failed[0].Message, "quota exceeded") {
		t.Fatalf("expected one failed log with cause, got %+v", failed)
	}
}

func TestSpeechAgentIgnoresForeignEvents(t *testing.T) {
	client := newFakeProtocol()
	agent := NewSpeechAgent("did:speech", client, &fakeLLM{}, &fakePinner{cid: "QmVoice"})
	ctx := context.Background()

	if err := agent.Handle(ctx, events.Event{Kind: events.KindTaskStatus, TaskID: "task-x"}); err != nil {
		t.Fatalf("task-status events must be ignored: %v", err)
	}
	if err := agent.Handle(ctx, events.Event{Kind: events.KindStepReady, DID: "did:other", StepID: "step-x"}); err != nil {
		t.Fatalf("foreign steps must be ignored: %v", err)
	}
}
