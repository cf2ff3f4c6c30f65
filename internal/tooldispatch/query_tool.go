package tooldispatch

import (
	"context"
	"fmt"

	"github.com/microcore/taskcore/internal/liveness"
	"github.com/microcore/taskcore/internal/llm"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/prompt"
	"github.com/microcore/taskcore/internal/store"
)

// QueryTaskSpec is the tool_spec for asking a question about another task's
// conversation and status without touching the calling task's own turn.
var QueryTaskSpec = llm.ToolSpec{
	Name:        "query_task",
	Description: "Ask a question about a task's conversation history and current status",
	InputSchema: map[string]any{
		"properties": map[string]any{
			"task_id":  map[string]any{"type": "string", "description": "The task id to query"},
			"question": map[string]any{"type": "string", "description": "The question to ask about the task"},
			"model":    map[string]any{"type": "string", "description": "Model id to use for answering (default: the caller's own default)"},
		},
		"required": []string{"task_id", "question"},
	},
}

// NewQueryTool builds the query_task Handler. It issues a fresh, tool-free
// LLM call scoped to the target task's transcript and never appends to the
// calling task's own conversation.
func NewQueryTool(st *store.Store, client llm.Client, defaultModel string) Handler {
	return func(ctx context.Context, callerTaskID string, input map[string]any) (any, error) {
		targetTaskID, _ := input["task_id"].(string)
		question, _ := input["question"].(string)
		if targetTaskID == "" || question == "" {
			return nil, fmt.Errorf("query_task: task_id and question are both required")
		}
		modelID, _ := input["model"].(string)
		if modelID == "" {
			modelID = defaultModel
		}

		if _, err := st.GetTask(ctx, targetTaskID); err != nil {
			return nil, fmt.Errorf("query_task: task %s not found: %w", targetTaskID, err)
		}
		probeResult, err := liveness.Probe(ctx, st, targetTaskID)
		if err != nil {
			return nil, fmt.Errorf("query_task: probe %s: %w", targetTaskID, err)
		}
		conv, err := st.GetConversation(ctx, targetTaskID)
		if err != nil {
			return nil, fmt.Errorf("query_task: load conversation %s: %w", targetTaskID, err)
		}
		transcript := prompt.BuildTranscript(conv)

		status := "stopped"
		if probeResult.Alive {
			status = "running"
		}

		promptText := fmt.Sprintf(
			"You are analyzing a task's conversation history and status.\n\nTask ID: %s\nCurrent Status: %s\n\nConversation Transcript:\n%s\n\nQuestion: %s\n\nAnswer the question based on the conversation transcript and task status above.",
			targetTaskID, status, transcript, question,
		)

		resp, err := client.Submit(ctx, llm.Request{
			ModelID: modelID,
			Messages: []model.Message{
				{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock(promptText)}},
			},
			SystemPrompt: "You are a helpful assistant analyzing task conversations.",
		})
		if err != nil {
			return nil, fmt.Errorf("query_task: llm call: %w", err)
		}

		answer := ""
		for _, block := range resp.Content {
			if block.Kind == model.BlockText {
				answer = block.Text
				break
			}
		}

		return map[string]any{
			"task_id":    targetTaskID,
			"status":     status,
			"question":   question,
			"answer":     answer,
			"model_used": modelID,
		}, nil
	}
}
