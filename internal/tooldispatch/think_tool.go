package tooldispatch

import (
	"context"
	"fmt"

	"github.com/microcore/taskcore/internal/llm"
)

// ThinkSpec is the tool_spec for the pure reasoning scratchpad tool.
var ThinkSpec = llm.ToolSpec{
	Name:        "think",
	Description: "Internal reasoning scratchpad - thoughts are discarded, conclusions are returned",
	InputSchema: map[string]any{
		"properties": map[string]any{
			"thoughts":    map[string]any{"type": "string", "description": "Internal reasoning (discarded)"},
			"conclusions": map[string]any{"type": "string", "description": "Final conclusions (returned)"},
		},
		"required": []string{"thoughts", "conclusions"},
	},
}

// ThinkTool discards thoughts and returns conclusions verbatim.
func ThinkTool(ctx context.Context, taskID string, input map[string]any) (any, error) {
	conclusions, _ := input["conclusions"].(string)
	if conclusions == "" {
		return nil, fmt.Errorf("think: missing required field 'conclusions'")
	}
	return map[string]string{"conclusions": conclusions}, nil
}
