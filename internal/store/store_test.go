package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microcore/taskcore/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "taskcore.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	task := &model.Task{TaskID: "t1", ModelID: "claude", Status: model.StatusRunning, PID: 123, CreatedAt: time.Now()}
	if err := s.SetTask(ctx, task); err != nil {
		t.Fatalf("SetTask: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.PID != 123 || got.Status != model.StatusRunning {
		t.Fatalf("unexpected task: %+v", got)
	}

	if err := s.PatchTask(ctx, "t1", func(tk *model.Task) error {
		tk.Status = model.StatusStopped
		tk.PID = 0
		return nil
	}); err != nil {
		t.Fatalf("PatchTask: %v", err)
	}
	got, err = s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask after patch: %v", err)
	}
	if got.Status != model.StatusStopped || got.PID != 0 {
		t.Fatalf("patch did not apply: %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	if _, err := s.GetTask(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConversationNeverClobbered(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	c := &model.Conversation{TaskID: "t1", Turns: []model.Turn{{TurnNumber: 0}}}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	has, err := s.HasConversation(ctx, "t1")
	if err != nil || !has {
		t.Fatalf("HasConversation: %v %v", has, err)
	}

	clobber := &model.Conversation{TaskID: "t1", Turns: nil}
	if err := s.CreateConversation(ctx, clobber); err == nil {
		t.Fatalf("expected error creating over existing conversation")
	}

	got, err := s.GetConversation(ctx, "t1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(got.Turns) != 1 {
		t.Fatalf("conversation was clobbered: %+v", got)
	}
}

func TestAppendTurnRereadsTail(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	c := &model.Conversation{TaskID: "t1"}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	updated, err := s.AppendTurn(ctx, "t1", model.Turn{TurnNumber: 0})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if len(updated.Turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(updated.Turns))
	}

	newLen, conv, err := s.AppendMessages(ctx, "t1", 0, []model.Message{
		{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock("hi")}},
	})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if newLen != 1 {
		t.Fatalf("expected new length 1, got %d", newLen)
	}
	if len(conv.Turns[0].Messages) != 1 {
		t.Fatalf("conversation not refreshed: %+v", conv)
	}
}

func TestEnqueueDrain(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, "t1", model.Envelope{Kind: model.EnvelopeUser, Payload: text, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	drained, err := s.Drain(ctx, "t1")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 3 || drained[0].Payload != "a" || drained[2].Payload != "c" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}

	again, err := s.Drain(ctx, "t1")
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty inbox after drain, got %+v", again)
	}
}

func TestPublishSubscribeAndCatchUp(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	events, cancel := s.Subscribe("chan1")
	defer cancel()

	if err := s.Publish(ctx, "chan1", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Payload != "hello" {
			t.Fatalf("unexpected payload: %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}

	since, err := s.Since(ctx, "chan1", 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(since) != 1 || since[0].Payload != "hello" {
		t.Fatalf("unexpected catch-up events: %+v", since)
	}
}
