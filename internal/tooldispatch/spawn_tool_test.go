package tooldispatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/microcore/taskcore/internal/lifecycle"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

func newSpawnRig(t *testing.T) (*store.Store, *lifecycle.Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "spawn.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	mgr := lifecycle.NewManager(st, nil, "fake-worker")
	mgr.SpawnFunc = func(selfBinary, taskID string) (int, error) { return 777, nil }
	return st, mgr
}

func TestSpawnToolCreatesNewChildAndLabelsSpawned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mgr := newSpawnRig(t)

	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: "parent", ModelID: "claude-x", StartProcess: false}); err != nil {
		t.Fatalf("launch parent: %v", err)
	}

	tool := NewSpawnTool(mgr, st)
	out, err := tool(ctx, "parent", map[string]any{
		"base_name":       "analyze data",
		"initial_message": "please analyze",
	})
	if err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	result := out.(map[string]any)
	if result["success"] != true {
		t.Fatalf("expected success, got %+v", result)
	}
	childID, _ := result["task_id"].(string)
	if childID == "" {
		t.Fatal("expected an allocated child task id")
	}
	msg, _ := result["message"].(string)
	if msg == "" || msg[:7] != "Spawned" {
		t.Fatalf("expected a Spawned label for a brand-new child, got %q", msg)
	}

	has, err := st.HasConversation(ctx, childID)
	if err != nil || !has {
		t.Fatalf("expected child conversation created: has=%v err=%v", has, err)
	}
}

func TestSpawnToolResumesExistingChildAndLabelsResumed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mgr := newSpawnRig(t)

	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: "parent", ModelID: "claude-x", StartProcess: false}); err != nil {
		t.Fatalf("launch parent: %v", err)
	}
	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: "child-1", ModelID: "claude-x", StartProcess: false}); err != nil {
		t.Fatalf("launch child: %v", err)
	}

	tool := NewSpawnTool(mgr, st)
	out, err := tool(ctx, "parent", map[string]any{
		"task_id":         "child-1",
		"initial_message": "continue please",
	})
	if err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	result := out.(map[string]any)
	msg, _ := result["message"].(string)
	if msg == "" || msg[:7] != "Resumed" {
		t.Fatalf("expected a Resumed label when task_id was given, got %q", msg)
	}
}

func TestSpawnToolRequiresBaseNameForNewChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mgr := newSpawnRig(t)
	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: "parent", ModelID: "claude-x", StartProcess: false}); err != nil {
		t.Fatalf("launch parent: %v", err)
	}

	tool := NewSpawnTool(mgr, st)
	_, err := tool(ctx, "parent", map[string]any{"initial_message": "go"})
	if err == nil {
		t.Fatal("expected an error when base_name is missing for a new child")
	}
}

func TestSpawnToolIncludesParentTranscriptByDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mgr := newSpawnRig(t)
	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: "parent", ModelID: "claude-x", InitialMessages: []string{"seed"}, StartProcess: false}); err != nil {
		t.Fatalf("launch parent: %v", err)
	}
	if _, _, err := st.AppendMessages(ctx, "parent", 0, []model.Message{
		{Role: model.RoleAssistant, Content: []model.ContentBlock{model.TextBlock("seed reply")}},
	}); err != nil {
		t.Fatalf("seed assistant message: %v", err)
	}

	tool := NewSpawnTool(mgr, st)
	out, err := tool(ctx, "parent", map[string]any{
		"base_name":       "child task",
		"initial_message": "go",
	})
	if err != nil {
		t.Fatalf("spawn_task: %v", err)
	}
	childID := out.(map[string]any)["task_id"].(string)

	conv, err := st.GetConversation(ctx, childID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.Turns[0].Messages) != 2 {
		t.Fatalf("expected transcript message plus initial message, got %d", len(conv.Turns[0].Messages))
	}
}
