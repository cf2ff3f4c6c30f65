// Package tooldispatch implements the Tool Dispatcher (C9): name-based
// lookup, invocation, and conversion of a handler's outcome into a queued
// tool_result envelope. No exception a handler raises is allowed to escape
// the dispatcher — every tool_use block gets a matching tool_result, success
// or error, to preserve the conversation's tool_use/tool_result invariant.
package tooldispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/microcore/taskcore/internal/auditlog"
	"github.com/microcore/taskcore/internal/llm"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/queue"
	"github.com/microcore/taskcore/internal/store"
)

// ErrToolNotFound is enqueued as the error payload when a model invokes a
// tool name absent from the registry.
var ErrToolNotFound = errors.New("tooldispatch: tool not found")

// Handler executes one tool invocation. input is the tool_use block's
// decoded arguments; taskID is the calling task. A returned error is
// reported to the model as a tool_result with status=error; the value is
// otherwise JSON-encoded as the success payload.
type Handler func(ctx context.Context, taskID string, input map[string]any) (any, error)

// Dispatcher is the C9 Tool Dispatcher.
type Dispatcher struct {
	st       *store.Store
	log      *slog.Logger
	handlers map[string]Handler
	specs    []llm.ToolSpec

	// Audit, when non-nil, receives one entry per dispatched tool call.
	Audit *auditlog.Store
}

// NewDispatcher builds an empty registry ready for Register calls.
func NewDispatcher(st *store.Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{st: st, log: log, handlers: make(map[string]Handler)}
}

// Register adds a tool under name with the given spec (for the LLM request's
// tool_spec) and handler (for dispatch).
func (d *Dispatcher) Register(spec llm.ToolSpec, h Handler) {
	d.handlers[spec.Name] = h
	d.specs = append(d.specs, spec)
}

// Specs returns every registered tool's spec, in registration order, for
// inclusion in the next LLM request.
func (d *Dispatcher) Specs() []llm.ToolSpec {
	return append([]llm.ToolSpec(nil), d.specs...)
}

// Dispatch invokes the handler named by block and enqueues exactly one
// tool_result envelope back onto taskID's own inbox. block must be a
// tool_use content block.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, block model.ContentBlock) error {
	if block.Kind != model.BlockToolUse {
		return fmt.Errorf("tooldispatch: not a tool_use block: %s", block.Kind)
	}

	value, handlerErr := d.invoke(ctx, taskID, block)

	var env model.Envelope
	env.Kind = model.EnvelopeToolResult
	env.ToolUseID = block.ToolUseID

	if handlerErr != nil {
		env.ResultOK = false
		payload, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		env.Payload = string(payload)
		d.log.Warn("tooldispatch: tool error", "task_id", taskID, "tool", block.ToolUseName, "error", handlerErr)
	} else {
		env.ResultOK = true
		payload, err := json.Marshal(value)
		if err != nil {
			payload, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("encode result: %v", err)})
			env.ResultOK = false
		}
		env.Payload = string(payload)
	}

	if err := queue.Enqueue(ctx, d.st, taskID, env); err != nil {
		return fmt.Errorf("tooldispatch: enqueue result for %s: %w", block.ToolUseName, err)
	}

	if d.Audit != nil {
		status := "success"
		errText := ""
		if handlerErr != nil {
			status = "failure"
			errText = handlerErr.Error()
		}
		d.Audit.Append(auditlog.Entry{TaskID: taskID, Action: "tool_dispatch", Tool: block.ToolUseName, Status: status, Error: errText})
	}
	return nil
}

// invoke looks up and runs the handler, recovering from any panic so a
// misbehaving tool can never crash the process or leave a tool_use
// unanswered.
func (d *Dispatcher) invoke(ctx context.Context, taskID string, block model.ContentBlock) (value any, err error) {
	handler, ok := d.handlers[block.ToolUseName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, block.ToolUseName)
	}

	input, ok := block.ToolUseInput.(map[string]any)
	if !ok {
		input = map[string]any{}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tooldispatch: tool %s panicked: %v", block.ToolUseName, r)
		}
	}()
	return handler(ctx, taskID, input)
}
