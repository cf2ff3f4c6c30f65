// Package llm models the "Converse-style" LLM service contract (§6): a
// provider-agnostic request/response shape the Iteration Engine submits
// through the Throttle Coordinator, plus concrete bindings.
package llm

import (
	"context"
	"errors"

	"github.com/microcore/taskcore/internal/model"
)

// StopReason is the closed set of reasons a turn submission can end on.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// ToolSpec describes one tool available to the model for this request.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one Converse-style submission.
type Request struct {
	ModelID         string
	Messages        []model.Message
	SystemPrompt    string
	Tools           []ToolSpec
	MaxOutputTokens int64
}

// Response is the result of a submission.
type Response struct {
	Content    []model.ContentBlock
	StopReason StopReason
	Usage      model.Usage
}

// ErrThrottled is returned by a Client when the transport rejected the
// request with a throttling error class. Non-throttling transport errors do
// not wrap ErrThrottled and are fatal to the iteration per §7.
var ErrThrottled = errors.New("llm: throttled by transport")

// Client is the external LLM service collaborator.
type Client interface {
	Submit(ctx context.Context, req Request) (Response, error)
}
