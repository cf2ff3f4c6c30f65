// Package prompt assembles the system prompt submitted with each LLM call
// (§4.6 step 4): a static fragment chosen at task creation plus a dynamic
// fragment built fresh every iteration, and the dual-mode transcript builder
// used to give a child visibility into its parent's conversation.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/microcore/taskcore/internal/model"
)

// FragmentSet maps a named static fragment to its prompt text. The CLI does
// not load fragment files; callers pick a fragment and pass its text as a
// task's static system prompt.
type FragmentSet map[string]string

// DefaultFragmentsPath resolves to a dotfile under the user's home
// directory, matching the teacher's config-path convention.
func DefaultFragmentsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskcore/fragments.yaml"
	}
	return filepath.Join(home, ".taskcore", "fragments.yaml")
}

// LoadFragments parses a YAML document of fragment-name -> text.
func LoadFragments(data []byte) (FragmentSet, error) {
	var set FragmentSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("prompt: decode fragments: %w", err)
	}
	return set, nil
}

// LoadFragmentsFile reads and parses path.
func LoadFragmentsFile(path string) (FragmentSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read fragments %s: %w", path, err)
	}
	return LoadFragments(data)
}

// DynamicOptions controls what BuildDynamicFragment reports.
type DynamicOptions struct {
	IterationsUsed      int
	MaxIterations       int
	WarningThreshold    int // remaining-iterations count at or below which a warning is injected
	ParentTranscript    string
}

// BuildDynamicFragment builds the per-iteration dynamic prompt fragment: a
// remaining-iteration-budget warning once the remaining count is at or below
// WarningThreshold (and still above zero), plus the parent transcript when this task has a parent.
func BuildDynamicFragment(opts DynamicOptions) string {
	var b strings.Builder
	remaining := opts.MaxIterations - opts.IterationsUsed
	if opts.WarningThreshold > 0 && remaining <= opts.WarningThreshold && remaining > 0 {
		fmt.Fprintf(&b, "Note: %d iteration(s) remain before this task is forcibly paused. Wrap up deliberately if you are close to done.\n\n", remaining)
	}
	if opts.ParentTranscript != "" {
		b.WriteString("Parent task context:\n")
		b.WriteString(opts.ParentTranscript)
		b.WriteString("\n")
	}
	return b.String()
}

// Assemble concatenates the static and dynamic fragments into the final
// system prompt submitted with the request.
func Assemble(static, dynamic string) string {
	if dynamic == "" {
		return static
	}
	if static == "" {
		return dynamic
	}
	return static + "\n\n" + dynamic
}

// BuildTranscript renders conv in dual mode: the most recent turn with full
// tool input/output detail, every earlier turn abbreviated to
// "[used <tool> tool]" per tool call, keeping the injected transcript
// bounded in size regardless of conversation length.
func BuildTranscript(conv *model.Conversation) string {
	if conv == nil || len(conv.Turns) == 0 {
		return ""
	}
	var b strings.Builder
	lastIdx := len(conv.Turns) - 1
	for i, turn := range conv.Turns {
		full := i == lastIdx
		fmt.Fprintf(&b, "Turn %d:\n", turn.TurnNumber)
		for _, msg := range turn.Messages {
			renderMessage(&b, msg, full)
		}
	}
	return b.String()
}

func renderMessage(b *strings.Builder, msg model.Message, full bool) {
	for _, block := range msg.Content {
		switch block.Kind {
		case model.BlockText:
			fmt.Fprintf(b, "%s: %s\n", msg.Role, block.Text)
		case model.BlockToolUse:
			if full {
				input, _ := json.Marshal(block.ToolUseInput)
				fmt.Fprintf(b, "%s: [tool_use %s(%s)]\n", msg.Role, block.ToolUseName, string(input))
			} else {
				fmt.Fprintf(b, "%s: [used %s tool]\n", msg.Role, block.ToolUseName)
			}
		case model.BlockToolResult:
			if full {
				fmt.Fprintf(b, "%s: [tool_result %s: %s]\n", msg.Role, block.ToolResultID, block.ToolResultContent)
			}
		}
	}
}
