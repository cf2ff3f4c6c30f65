package tooldispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microcore/taskcore/internal/llm"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

func TestQueryToolAnswersWithoutTouchingCallerTurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "query.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	target := &model.Task{TaskID: "target", ModelID: "claude-x", Status: model.StatusStopped, CreatedAt: time.Now()}
	if err := st.SetTask(ctx, target); err != nil {
		t.Fatalf("set task: %v", err)
	}
	conv := &model.Conversation{TaskID: "target", Turns: []model.Turn{{
		TurnNumber: 0,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock("what's 2+2")}},
			{Role: model.RoleAssistant, Content: []model.ContentBlock{model.TextBlock("4")}},
		},
	}}}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	caller := &model.Task{TaskID: "caller", ModelID: "claude-x", Status: model.StatusRunning, CreatedAt: time.Now()}
	if err := st.SetTask(ctx, caller); err != nil {
		t.Fatalf("set caller task: %v", err)
	}
	if err := st.CreateConversation(ctx, &model.Conversation{TaskID: "caller"}); err != nil {
		t.Fatalf("create caller conversation: %v", err)
	}

	fake := llm.NewFakeClient(llm.Response{
		Content:    []model.ContentBlock{model.TextBlock("The answer is 4.")},
		StopReason: llm.StopEndTurn,
	})
	tool := NewQueryTool(st, fake, "claude-x")

	out, err := tool(ctx, "caller", map[string]any{"task_id": "target", "question": "what did it answer?"})
	if err != nil {
		t.Fatalf("query_task: %v", err)
	}
	result := out.(map[string]any)
	if result["answer"] != "The answer is 4." {
		t.Fatalf("unexpected answer: %+v", result)
	}
	if result["status"] != "stopped" {
		t.Fatalf("unexpected status: %+v", result)
	}

	callerConv, err := st.GetConversation(ctx, "caller")
	if err != nil {
		t.Fatalf("get caller conversation: %v", err)
	}
	if len(callerConv.Turns) != 0 {
		t.Fatalf("expected caller's own conversation untouched, got %+v", callerConv.Turns)
	}
}
