package protocol

import (
	"context"
	"errors"
	"testing"
)

func seedTask(t *testing.T, store *MemoryStore, taskID string) {
	t.Helper()
	task := &Task{TaskID: taskID, DID: "did:agent", Status: StatusPending, InputQuery: "hola"}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestMemoryStoreUpdateStepCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "task-1")

	step := &Step{StepID: "step-1", TaskID: "task-1", DID: "did:agent", Name: StepTranslate, Status: StatusPending}
	if err := store.CreateSteps(ctx, "did:agent", "task-1", []*Step{step}); err != nil {
		t.Fatalf("create steps: %v", err)
	}

	if err := store.UpdateStep(ctx, "did:agent", "task-1", "step-1", StatusPending, StepUpdate{Status: StatusInProgress}); err != nil {
		t.Fatalf("claim step: %v", err)
	}

	// 第二次以 Pending 为期望的更新必须被拒绝。
	err := store.UpdateStep(ctx, "did:agent", "task-1", "step-1", StatusPending, StepUpdate{Status: StatusInProgress})
	if !errors.Is(err, ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict, got %v", err)
	}

	if err := store.UpdateStep(ctx, "did:agent", "task-1", "step-1", StatusInProgress, StepUpdate{Status: StatusCompleted, Output: "hello"}); err != nil {
		t.Fatalf("complete step: %v", err)
	}

	got, err := store.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.Status != StatusCompleted || got.Output != "hello" {
		t.Fatalf("unexpected step state: %+v", got)
	}
}

func TestMemoryStoreLastStepSyncsTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "task-2")

	step := &Step{StepID: "step-final", TaskID: "task-2", DID: "did:agent", Name: StepText2Speech, Status: StatusPending, IsLast: true}
	if err := store.CreateSteps(ctx, "did:agent", "task-2", []*Step{step}); err != nil {
		t.Fatalf("create steps: %v", err)
	}

	if err := store.UpdateStep(ctx, "did:agent", "task-2", "step-final", StatusPending, StepUpdate{
		Status:          StatusCompleted,
		Output:          "https://gateway.pinata.cloud/ipfs/QmAudio",
		OutputArtifacts: []string{"https://gateway.pinata.cloud/ipfs/QmAudio"},
	}); err != nil {
		t.Fatalf("complete step: %v", err)
	}

	result, err := store.GetTaskWithSteps(ctx, "task-2")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if result.Task.Status != StatusCompleted {
		t.Fatalf("expected task completed, got %s", result.Task.Status)
	}
	if result.Task.Output != "https://gateway.pinata.cloud/ipfs/QmAudio" {
		t.Fatalf("unexpected task output: %q", result.Task.Output)
	}
	if len(result.Task.OutputArtifacts) != 1 {
		t.Fatalf("unexpected artifacts: %v", result.Task.OutputArtifacts)
	}
}

func TestMemoryStoreSeedStepInput(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "task-3")

	step := &Step{StepID: "step-seed", TaskID: "task-3", DID: "did:agent", Name: StepText2Speech, Status: StatusPending}
	if err := store.CreateSteps(ctx, "did:agent", "task-3", []*Step{step}); err != nil {
		t.Fatalf("create steps: %v", err)
	}

	if err := store.SeedStepInput(ctx, "step-seed", "translated text"); err != nil {
		t.Fatalf("seed input: %v", err)
	}
	got, err := store.GetStep(ctx, "step-seed")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.InputQuery != "translated text" {
		t.Fatalf("unexpected input: %q", got.InputQuery)
	}

	// 已离开 Pending 的步骤不允许再改写输入。
	if err := store.UpdateStep(ctx, "did:agent", "task-3", "step-seed", StatusPending, StepUpdate{Status: StatusInProgress}); err != nil {
		t.Fatalf("claim step: %v", err)
	}
	if err := store.SeedStepInput(ctx, "step-seed", "overwritten"); !errors.Is(err, ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict, got %v", err)
	}
}

func TestMemoryStoreAppendLogSyncsTaskStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "task-4")

	if err := store.AppendLog(ctx, TaskLog{TaskID: "task-4", Message: "Starting translation", Level: "info"}); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := store.AppendLog(ctx, TaskLog{TaskID: "task-4", Message: "boom", Level: "error", Status: StatusFailed}); err != nil {
		t.Fatalf("append failed log: %v", err)
	}

	logs, err := store.ListLogs(ctx, "task-4")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}

	result, err := store.GetTaskWithSteps(ctx, "task-4")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if result.Task.Status != StatusFailed {
		t.Fatalf("expected task failed, got %s", result.Task.Status)
	}
}

func TestMemoryStoreDuplicateStep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "task-5")

	step := &Step{StepID: "step-dup", TaskID: "task-5", DID: "did:agent", Name: StepInit, Status: StatusPending}
	if err := store.CreateSteps(ctx, "did:agent", "task-5", []*Step{step}); err != nil {
		t.Fatalf("create steps: %v", err)
	}
	err := store.CreateSteps(ctx, "did:agent", "task-5", []*Step{{StepID: "step-dup", TaskID: "task-5", DID: "did:agent", Name: StepInit}})
	if !errors.Is(err, ErrStepExists) {
		t.Fatalf("expected ErrStepExists, got %v", err)
	}
}
