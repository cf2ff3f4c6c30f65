package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTask(t *testing.T, st *store.Store, taskID string, status model.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	task := &model.Task{TaskID: taskID, ModelID: "claude-x", Status: status, CreatedAt: time.Now()}
	if err := st.SetTask(ctx, task); err != nil {
		t.Fatalf("set task: %v", err)
	}
	if err := st.CreateConversation(ctx, &model.Conversation{TaskID: taskID}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
}

func TestDrainEmptyInboxIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	newTask(t, st, "t1", model.StatusRunning)

	result, err := Drain(ctx, st, "t1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Drained != 0 || result.NewTurn {
		t.Fatalf("expected no-op drain, got %+v", result)
	}
}

func TestDrainOpensFirstTurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	newTask(t, st, "t1", model.StatusRunning)

	if err := Enqueue(ctx, st, "t1", model.Envelope{Kind: model.EnvelopeUser, Payload: "hello"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	result, err := Drain(ctx, st, "t1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !result.NewTurn || result.TurnNumber != 0 || result.MessageCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	conv, err := st.GetConversation(ctx, "t1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.Turns) != 1 || len(conv.Turns[0].Messages) != 1 {
		t.Fatalf("expected one turn with one message, got %+v", conv.Turns)
	}
}

// Scenario 3: a turn that already closed (ended on an assistant text message)
// and a stopped task both being true means the next drain must open a new
// turn rather than appending into the closed one.
func TestDrainOpensNewTurnWhenLastTurnClosedAndStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	newTask(t, st, "t1", model.StatusStopped)

	closedTurn := model.Turn{
		TurnNumber: 0,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock("hi")}},
			{Role: model.RoleAssistant, Content: []model.ContentBlock{model.TextBlock("done")}},
		},
	}
	if _, err := st.AppendTurn(ctx, "t1", closedTurn); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	if err := Enqueue(ctx, st, "t1", model.Envelope{Kind: model.EnvelopeUser, Payload: "follow-up"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	result, err := Drain(ctx, st, "t1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !result.NewTurn || result.TurnNumber != 1 {
		t.Fatalf("expected a fresh turn 1, got %+v", result)
	}
}

func TestDrainAppendsIntoOpenTurnWhenRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	newTask(t, st, "t1", model.StatusRunning)

	openTurn := model.Turn{
		TurnNumber: 0,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock("hi")}},
			{Role: model.RoleAssistant, Content: []model.ContentBlock{model.ToolUseBlock("u1", "bash", nil)}},
		},
	}
	if _, err := st.AppendTurn(ctx, "t1", openTurn); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	if err := Enqueue(ctx, st, "t1", model.Envelope{Kind: model.EnvelopeToolResult, ToolUseID: "u1", Payload: `{"ok":true}`, ResultOK: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	result, err := Drain(ctx, st, "t1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.NewTurn {
		t.Fatalf("expected append into existing open turn, got new turn")
	}
	if result.TurnNumber != 0 || result.MessageCount != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

// Scenario 6: two children complete into the same still-live parent turn;
// both completion envelopes must coalesce alongside any tool_result into the
// grouping rule's ordering, each as its own user message.
func TestDrainGroupsToolResultsAndKeepsCompletionsSeparate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	newTask(t, st, "parent", model.StatusRunning)

	openTurn := model.Turn{
		TurnNumber: 0,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock("spawn two children")}},
			{Role: model.RoleAssistant, Content: []model.ContentBlock{
				model.ToolUseBlock("u1", "spawn_task", nil),
				model.ToolUseBlock("u2", "spawn_task", nil),
			}},
		},
	}
	if _, err := st.AppendTurn(ctx, "parent", openTurn); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	envelopes := []model.Envelope{
		{Kind: model.EnvelopeToolResult, ToolUseID: "u1", Payload: `{"child_task_id":"c1"}`, ResultOK: true},
		{Kind: model.EnvelopeCompletion, Payload: "child c1 finished: did X"},
		{Kind: model.EnvelopeToolResult, ToolUseID: "u2", Payload: `{"child_task_id":"c2"}`, ResultOK: true},
		{Kind: model.EnvelopeCompletion, Payload: "child c2 finished: did Y"},
	}
	for _, env := range envelopes {
		if err := Enqueue(ctx, st, "parent", env); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	result, err := Drain(ctx, st, "parent")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.NewTurn {
		t.Fatalf("expected append into the still-open parent turn")
	}
	// 2 existing + 1 coalesced tool_result message + 2 completion messages.
	if result.MessageCount != 5 {
		t.Fatalf("expected 5 total messages, got %d", result.MessageCount)
	}

	conv, err := st.GetConversation(ctx, "parent")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	msgs := conv.Turns[0].Messages
	coalesced := msgs[2]
	if len(coalesced.Content) != 2 {
		t.Fatalf("expected both tool_results coalesced into one message, got %d blocks", len(coalesced.Content))
	}
	if coalesced.Content[0].ToolResultID != "u1" || coalesced.Content[1].ToolResultID != "u2" {
		t.Fatalf("expected tool_results in arrival order, got %+v", coalesced.Content)
	}
	if !msgs[3].HasText() || !msgs[4].HasText() {
		t.Fatalf("expected completion envelopes as their own text-bearing messages")
	}
}

func TestEnqueueThenDrainPublishesMessagesAppended(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	newTask(t, st, "t1", model.StatusRunning)

	events, cancel := st.Subscribe(store.TaskChannel("t1"))
	defer cancel()

	if err := Enqueue(ctx, st, "t1", model.Envelope{Kind: model.EnvelopeUser, Payload: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := Drain(ctx, st, "t1"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Payload != "messages_appended" {
			t.Fatalf("unexpected payload: %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for messages_appended event")
	}
}
