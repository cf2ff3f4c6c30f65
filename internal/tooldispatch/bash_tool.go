package tooldispatch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/microcore/taskcore/internal/llm"
)

// BashSpec is the tool_spec advertised to the model for the bash tool,
// grounded on the source's bash tool schema.
var BashSpec = llm.ToolSpec{
	Name:        "bash",
	Description: "Execute a bash command and return stdout, stderr, and exit code",
	InputSchema: map[string]any{
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The bash command to execute"},
		},
		"required": []string{"command"},
	},
}

// BashResult is the JSON-serialized success payload for a bash invocation.
type BashResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// NewBashTool builds the bash Handler with a hard wall-clock timeout.
func NewBashTool(timeout time.Duration) Handler {
	return func(ctx context.Context, taskID string, input map[string]any) (any, error) {
		command, _ := input["command"].(string)
		if command == "" {
			return nil, fmt.Errorf("bash: missing required field 'command'")
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "bash", "-c", command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		exitCode := 0
		if runErr != nil {
			// A deadline kill also surfaces as *exec.ExitError, so the
			// context is checked first.
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("bash: command timed out after %s", timeout)
			} else if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, fmt.Errorf("bash: %w", runErr)
			}
		}

		return BashResult{Stdout: stdout.String(), Stderr: stderr.String(), ReturnCode: exitCode}, nil
	}
}
