// Package queue implements the Queue Ingester (C5): the sole writer of
// inbound envelopes into a task's conversation, deciding turn boundaries and
// message grouping on every drain.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

// Enqueue atomically appends env to taskID's inbox. It does not inspect the
// conversation; producers are decoupled from ingestion. Bringing a stopped
// task back up in response to an enqueue is the producer's responsibility
// (the gateway, or C8), not an implicit side effect of Enqueue.
func Enqueue(ctx context.Context, st *store.Store, taskID string, env model.Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := st.Enqueue(ctx, taskID, env); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", taskID, err)
	}
	return nil
}

// DrainResult reports what the drain did, mainly for tests/diagnostics.
type DrainResult struct {
	Drained      int
	NewTurn      bool
	TurnNumber   int
	MessageCount int
}

// Drain merges every pending envelope for taskID into its conversation,
// applying the turn-boundary and grouping rules, then publishes
// messages_appended. A drain of an empty inbox is a no-op.
func Drain(ctx context.Context, st *store.Store, taskID string) (DrainResult, error) {
	envelopes, err := st.Drain(ctx, taskID)
	if err != nil {
		return DrainResult{}, fmt.Errorf("queue: drain inbox %s: %w", taskID, err)
	}
	if len(envelopes) == 0 {
		return DrainResult{}, nil
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return DrainResult{}, fmt.Errorf("queue: load task %s: %w", taskID, err)
	}
	conv, err := st.GetConversation(ctx, taskID)
	if err != nil {
		return DrainResult{}, fmt.Errorf("queue: load conversation %s: %w", taskID, err)
	}

	stopped := task.Status == model.StatusStopped
	tail, hasTail := conv.Tail()

	needsNewTurn := !hasTail || len(tail.Messages) == 0
	if !needsNewTurn && stopped {
		last := tail.Messages[len(tail.Messages)-1]
		needsNewTurn = last.IsTurnEnding()
	}

	turnNumber := 0
	if hasTail {
		turnNumber = tail.TurnNumber
	}
	if needsNewTurn {
		nextNumber := 0
		if hasTail {
			nextNumber = tail.TurnNumber + 1
		}
		refreshed, err := st.AppendTurn(ctx, taskID, model.Turn{TurnNumber: nextNumber, StartedAt: time.Now()})
		if err != nil {
			return DrainResult{}, fmt.Errorf("queue: append turn %s: %w", taskID, err)
		}
		conv = refreshed
		newTail, ok := conv.Tail()
		if !ok {
			return DrainResult{}, fmt.Errorf("queue: conversation %s has no tail after append", taskID)
		}
		turnNumber = newTail.TurnNumber
	}

	messages := groupEnvelopes(envelopes)
	newLen, _, err := st.AppendMessages(ctx, taskID, turnNumber, messages)
	if err != nil {
		return DrainResult{}, fmt.Errorf("queue: append messages %s: %w", taskID, err)
	}

	if err := st.Publish(ctx, store.TaskChannel(taskID), "messages_appended"); err != nil {
		return DrainResult{}, fmt.Errorf("queue: publish messages_appended %s: %w", taskID, err)
	}

	return DrainResult{Drained: len(envelopes), NewTurn: needsNewTurn, TurnNumber: turnNumber, MessageCount: newLen}, nil
}

// groupEnvelopes implements the §4.5 grouping rule: all tool_result
// envelopes coalesce into a single leading user message; every user or
// completion envelope becomes its own user message, in arrival order.
func groupEnvelopes(envelopes []model.Envelope) []model.Message {
	var toolResultBlocks []model.ContentBlock
	var rest []model.Message

	for _, env := range envelopes {
		switch env.Kind {
		case model.EnvelopeToolResult:
			status := model.ResultOK
			if !env.ResultOK {
				status = model.ResultError
			}
			toolResultBlocks = append(toolResultBlocks, model.ToolResultBlock(env.ToolUseID, env.Payload, status))
		case model.EnvelopeUser, model.EnvelopeCompletion:
			rest = append(rest, model.Message{
				Role:      model.RoleUser,
				Content:   []model.ContentBlock{model.TextBlock(env.Payload)},
				Timestamp: env.Timestamp,
			})
		}
	}

	var out []model.Message
	if len(toolResultBlocks) > 0 {
		out = append(out, model.Message{Role: model.RoleUser, Content: toolResultBlocks})
	}
	out = append(out, rest...)
	return out
}
