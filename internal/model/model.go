// Package model defines the durable shapes shared by every component of the
// orchestrator: task records, conversations, turns, messages, content blocks,
// and inbox envelopes. Nothing in this package talks to the store or the
// network; it is the closed set of sum types the rest of the module works
// against.
package model

import "time"

// TaskStatus is the lifecycle state recorded on a task record.
type TaskStatus string

const (
	StatusRunning TaskStatus = "running"
	StatusStopped TaskStatus = "stopped"
)

// Usage is a token-usage triple as reported by the LLM service.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Task is the control block for one task, keyed by TaskID.
type Task struct {
	TaskID               string     `json:"task_id"`
	ParentTaskID         string     `json:"parent_task_id,omitempty"`
	ModelID              string     `json:"model_id"`
	SummarizerModelID    string     `json:"summarizer_model_id,omitempty"`
	StaticSystemPrompt   string     `json:"static_system_prompt"`
	EnableRecursion      bool       `json:"enable_recursion"`
	Status               TaskStatus `json:"status"`
	PID                  int        `json:"pid,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ProcessStartedAt     time.Time  `json:"process_started_at,omitempty"`
	MaxIterations        int        `json:"max_iterations"`
	IterationsUsed       int        `json:"iterations_used"`
	LastUsage            Usage      `json:"last_usage"`
	Children             []string   `json:"children,omitempty"`
	BaseName             string     `json:"base_name,omitempty"`
}

// EffectiveSummarizerModel returns SummarizerModelID when set, else ModelID.
func (t *Task) EffectiveSummarizerModel() string {
	if t.SummarizerModelID != "" {
		return t.SummarizerModelID
	}
	return t.ModelID
}

// Role is a message's author per the wire protocol.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind tags the closed sum type of content blocks.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ResultStatus marks whether a tool_result block represents success or error.
type ResultStatus string

const (
	ResultOK    ResultStatus = ""
	ResultError ResultStatus = "error"
)

// ContentBlock is a closed sum: exactly one of Text, ToolUse, ToolResult is
// populated, selected by Kind.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	Text string `json:"text,omitempty"`

	ToolUseID    string `json:"tool_use_id,omitempty"`
	ToolUseName  string `json:"tool_use_name,omitempty"`
	ToolUseInput any    `json:"tool_use_input,omitempty"`

	ToolResultID      string       `json:"tool_result_id,omitempty"`
	ToolResultContent string       `json:"tool_result_content,omitempty"`
	ToolResultStatus  ResultStatus `json:"tool_result_status,omitempty"`
}

// TextBlock builds a {text} content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ToolUseBlock builds a {tool_use} content block.
func ToolUseBlock(id, name string, input any) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolUseName: name, ToolUseInput: input}
}

// ToolResultBlock builds a {tool_result} content block.
func ToolResultBlock(id, content string, status ResultStatus) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultID: id, ToolResultContent: content, ToolResultStatus: status}
}

// Message is one entry in a turn's message list.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolUseIDs returns, in order, the ids of every tool_use block in the message.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if b.Kind == BlockToolUse {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// ToolResultIDs returns, in order, the ids of every tool_result block in the message.
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if b.Kind == BlockToolResult {
			ids = append(ids, b.ToolResultID)
		}
	}
	return ids
}

// HasText reports whether the message contains at least one non-empty text block.
func (m Message) HasText() bool {
	for _, b := range m.Content {
		if b.Kind == BlockText && b.Text != "" {
			return true
		}
	}
	return false
}

// IsTurnEnding reports invariant 4: an assistant message with text and no
// tool-use blocks closes its turn.
func (m Message) IsTurnEnding() bool {
	if m.Role != RoleAssistant {
		return false
	}
	if !m.HasText() {
		return false
	}
	return len(m.ToolUseIDs()) == 0
}

// Turn is a maximal contiguous segment of the conversation.
type Turn struct {
	TurnNumber  int       `json:"turn_number"`
	StartedAt   time.Time `json:"started_at"`
	Messages    []Message `json:"messages"`
	TurnSummary string    `json:"turn_summary,omitempty"`
}

// Closed reports invariant 4 at the turn level.
func (t Turn) Closed() bool {
	if len(t.Messages) == 0 {
		return false
	}
	return t.Messages[len(t.Messages)-1].IsTurnEnding()
}

// Conversation is the full ordered turn history for one task.
type Conversation struct {
	TaskID string `json:"task_id"`
	Turns  []Turn `json:"turns"`
}

// Tail returns the last turn and true, or a zero Turn and false when empty.
func (c Conversation) Tail() (Turn, bool) {
	if len(c.Turns) == 0 {
		return Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// EnvelopeKind is the closed sum type of inbox envelopes.
type EnvelopeKind string

const (
	EnvelopeUser       EnvelopeKind = "user"
	EnvelopeToolResult EnvelopeKind = "tool_result"
	EnvelopeCompletion EnvelopeKind = "completion"
)

// Envelope is one pending entry in a task's inbox, awaiting merge by the
// Queue Ingester.
type Envelope struct {
	Kind       EnvelopeKind `json:"kind"`
	Payload    string       `json:"payload"`
	SenderID   string       `json:"sender_id,omitempty"`
	ToolUseID  string       `json:"tool_use_id,omitempty"`
	ResultOK   bool         `json:"result_ok,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}
