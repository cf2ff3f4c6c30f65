// Package repair implements the Conversation Repair (C4) step: a pure,
// non-persistent rewrite of a conversation into a view that satisfies the
// LLM wire protocol's alternation and tool-use/result pairing invariants,
// inserting synthetic error tool_result blocks wherever a tool_use was never
// answered (most commonly because the process died between emitting the
// tool call and enqueuing its result).
package repair

import (
	"encoding/json"

	"github.com/microcore/taskcore/internal/model"
)

// interruptedMessage is the exact synthetic payload the spec's wire format
// requires for an unanswered tool_use.
const interruptedMessage = "Tool execution interrupted or failed to complete"

// Warning describes an unclassifiable message encountered during repair; it
// never aborts the walk, it only annotates the result for diagnostics.
type Warning struct {
	TurnNumber   int
	MessageIndex int
	Detail       string
}

// Repair walks every turn of conv in order and returns a new Conversation
// (conv itself is never mutated) satisfying invariants 1-3, plus any
// warnings encountered along the way.
func Repair(conv model.Conversation) (model.Conversation, []Warning) {
	out := model.Conversation{TaskID: conv.TaskID}
	var warnings []Warning

	for _, turn := range conv.Turns {
		repaired, w := repairTurn(turn)
		out.Turns = append(out.Turns, repaired)
		warnings = append(warnings, w...)
	}
	return out, warnings
}

func repairTurn(turn model.Turn) (model.Turn, []Warning) {
	out := model.Turn{TurnNumber: turn.TurnNumber, StartedAt: turn.StartedAt, TurnSummary: turn.TurnSummary}
	var warnings []Warning

	pending := map[string]bool{}
	pendingOrder := []string{}

	addPending := func(id string) {
		if !pending[id] {
			pending[id] = true
			pendingOrder = append(pendingOrder, id)
		}
	}
	clearPending := func() {
		pending = map[string]bool{}
		pendingOrder = nil
	}
	syntheticBlocksForPending := func() []model.ContentBlock {
		blocks := make([]model.ContentBlock, 0, len(pendingOrder))
		for _, id := range pendingOrder {
			blocks = append(blocks, model.ToolResultBlock(id, syntheticErrorPayload(), model.ResultError))
		}
		return blocks
	}

	lastRole := model.Role("")
	for i, msg := range turn.Messages {
		switch msg.Role {
		case model.RoleAssistant:
			if lastRole == model.RoleAssistant {
				// Violation: two assistant messages back to back. Emit a
				// synthetic user message answering whatever was pending
				// before recording this message's own tool-use ids.
				if len(pendingOrder) > 0 {
					out.Messages = append(out.Messages, model.Message{
						Role:    model.RoleUser,
						Content: syntheticBlocksForPending(),
					})
				}
				clearPending()
			}
			for _, id := range msg.ToolUseIDs() {
				addPending(id)
			}
			out.Messages = append(out.Messages, msg)
			lastRole = model.RoleAssistant

		case model.RoleUser:
			content := append([]model.ContentBlock(nil), msg.Content...)
			for _, id := range msg.ToolResultIDs() {
				delete(pending, id)
				pendingOrder = removeID(pendingOrder, id)
			}
			if len(pendingOrder) > 0 {
				content = append(content, syntheticBlocksForPending()...)
				clearPending()
			}
			out.Messages = append(out.Messages, model.Message{Role: model.RoleUser, Content: content, Index: msg.Index, Timestamp: msg.Timestamp})
			lastRole = model.RoleUser

		default:
			warnings = append(warnings, Warning{TurnNumber: turn.TurnNumber, MessageIndex: i, Detail: "unclassifiable role: " + string(msg.Role)})
			out.Messages = append(out.Messages, msg)
		}
	}

	// A turn most commonly goes dangling when the process dies right after
	// emitting a tool_use and before its result was ever enqueued, so the
	// turn simply ends there with no closing user message at all.
	if len(pendingOrder) > 0 {
		out.Messages = append(out.Messages, model.Message{Role: model.RoleUser, Content: syntheticBlocksForPending()})
		warnings = append(warnings, Warning{TurnNumber: turn.TurnNumber, MessageIndex: len(turn.Messages), Detail: "synthesized result for unanswered tool_use at turn end"})
		clearPending()
	}

	return out, warnings
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func syntheticErrorPayload() string {
	b, _ := json.Marshal(map[string]string{"error": interruptedMessage})
	return string(b)
}
