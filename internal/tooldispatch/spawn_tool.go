package tooldispatch

import (
	"context"
	"fmt"

	"github.com/microcore/taskcore/internal/lifecycle"
	"github.com/microcore/taskcore/internal/llm"
	"github.com/microcore/taskcore/internal/prompt"
	"github.com/microcore/taskcore/internal/store"
)

// SpawnTaskSpec is the tool_spec for delegating a subtask to a child task.
var SpawnTaskSpec = llm.ToolSpec{
	Name:        "spawn_task",
	Description: "Spawn a child task with an initial message, or resume an existing task with a new message. By default the child inherits a transcript of the parent's conversation. Returns task_id and pid for monitoring.",
	InputSchema: map[string]any{
		"properties": map[string]any{
			"base_name":       map[string]any{"type": "string", "description": "Base name for a new task (1-3 words), required when creating one"},
			"initial_message": map[string]any{"type": "string", "description": "Initial user message for the child task"},
			"task_id":         map[string]any{"type": "string", "description": "Optional: existing task_id to resume. If provided, base_name is ignored"},
			"model":           map[string]any{"type": "string", "description": "Model id for the child task"},
			"zero_context":    map[string]any{"type": "boolean", "description": "If true, spawn the child without the parent's conversation transcript (default false)"},
		},
		"required": []string{"initial_message"},
	},
}

// NewSpawnTool builds the spawn_task Handler bound to mgr for launching
// children and st for reading the parent's transcript.
func NewSpawnTool(mgr *lifecycle.Manager, st *store.Store) Handler {
	return func(ctx context.Context, parentTaskID string, input map[string]any) (any, error) {
		initialMessage, _ := input["initial_message"].(string)
		if initialMessage == "" {
			return nil, fmt.Errorf("spawn_task: missing required field 'initial_message'")
		}

		childTaskID, _ := input["task_id"].(string)
		childGiven := childTaskID != ""
		baseName, _ := input["base_name"].(string)
		if !childGiven && baseName == "" {
			return nil, fmt.Errorf("spawn_task: base_name is required when creating a new child task")
		}
		modelID, _ := input["model"].(string)
		zeroContext, _ := input["zero_context"].(bool)

		var messages []string
		if !zeroContext {
			parentConv, err := st.GetConversation(ctx, parentTaskID)
			if err == nil {
				transcript := prompt.BuildTranscript(parentConv)
				if transcript != "" {
					header := "The following is a transcription of your parent task's conversation history. Use it to understand the context of the task:\n\n"
					footer := "\n\nGiven the context above, you are now ready to begin your task:\n\n"
					messages = append(messages, header+transcript+footer)
				}
			}
		}
		messages = append(messages, initialMessage)

		// Captured before Launch runs, so the label reflects what the caller
		// actually asked for rather than the task id Launch hands back (which
		// is always non-empty regardless of branch taken).
		action := "Spawned"
		if childGiven {
			action = "Resumed"
		}

		result, err := mgr.Launch(ctx, lifecycle.LaunchOpts{
			TaskID:          childTaskID,
			ModelID:         modelID,
			EnableRecursion: true,
			InitialMessages: messages,
			ParentTaskID:    parentTaskID,
			BaseName:        baseName,
			StartProcess:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("spawn_task: launch: %w", err)
		}

		return map[string]any{
			"success": true,
			"task_id": result.TaskID,
			"pid":     result.PID,
			"message": fmt.Sprintf("%s child task %s (PID %d)", action, result.TaskID, result.PID),
		}, nil
	}
}
