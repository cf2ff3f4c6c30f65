// Package iteration implements the Iteration Engine (C6): the per-iteration
// algorithm — drain, repair, submit, dispatch or close — and the outer loop
// that drives a task's worker process until its turn ends, its iteration
// budget is exhausted, or it is externally stopped.
package iteration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/microcore/taskcore/internal/completion"
	"github.com/microcore/taskcore/internal/lifecycle"
	"github.com/microcore/taskcore/internal/llm"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/prompt"
	"github.com/microcore/taskcore/internal/queue"
	"github.com/microcore/taskcore/internal/repair"
	"github.com/microcore/taskcore/internal/store"
	"github.com/microcore/taskcore/internal/throttle"
	"github.com/microcore/taskcore/internal/tooldispatch"
)

// ErrConversationNotFound mirrors the §7/§10 error taxonomy for a missing
// conversation document, which should never happen for a launched task.
var ErrConversationNotFound = errors.New("iteration: conversation not found")

// Config holds the per-process tunables the engine needs beyond what lives
// on the task record itself.
type Config struct {
	WarningThreshold    int    // remaining-iterations count that triggers the dynamic prompt's budget warning
	FailedRequestDumpDir string // directory for the non-throttling transport-error diagnostic dump
}

// Engine is the C6 Iteration Engine.
type Engine struct {
	st         *store.Store
	client     llm.Client
	dispatcher *tooldispatch.Dispatcher
	mgr        *lifecycle.Manager
	log        *slog.Logger
	cfg        Config

	mu           sync.Mutex
	coordinators map[string]*throttle.Coordinator
}

// NewEngine builds an Engine. dispatcher must already have every built-in
// tool registered (§4.9).
func NewEngine(st *store.Store, client llm.Client, dispatcher *tooldispatch.Dispatcher, mgr *lifecycle.Manager, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		st:           st,
		client:       client,
		dispatcher:   dispatcher,
		mgr:          mgr,
		log:          log,
		cfg:          cfg,
		coordinators: make(map[string]*throttle.Coordinator),
	}
}

func (e *Engine) coordinatorFor(modelID string) *throttle.Coordinator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.coordinators[modelID]; ok {
		return c
	}
	c := throttle.New(e.st, modelID)
	e.coordinators[modelID] = c
	return c
}

// closeCoordinators shuts down every per-model throttle subscription this
// Engine opened over its lifetime; Run's worker process is exiting anyway.
func (e *Engine) closeCoordinators() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.coordinators {
		c.Close()
	}
}

// Run drives taskID's worker loop: up to max_iterations iterations, or until
// a turn ends or the task is externally stopped. The finally discipline
// (clear pid, set status=stopped) always runs, even when the loop returns an
// error.
func (e *Engine) Run(ctx context.Context, taskID string) (err error) {
	defer e.closeCoordinators()
	defer func() {
		if ferr := e.finalize(context.Background(), taskID); ferr != nil && err == nil {
			err = ferr
		}
	}()

	for {
		task, loadErr := e.st.GetTask(ctx, taskID)
		if loadErr != nil {
			return fmt.Errorf("iteration: load task %s: %w", taskID, loadErr)
		}
		if task.Status != model.StatusRunning {
			return nil
		}
		if task.IterationsUsed >= task.MaxIterations {
			e.log.Info("iteration: max_iterations exhausted, stopping with turn left open", "task_id", taskID)
			return nil
		}

		turnEnding, report, runErr := e.runIteration(ctx, taskID, task)
		if runErr != nil {
			return runErr
		}

		if err := e.st.PatchTask(ctx, taskID, func(t *model.Task) error {
			t.IterationsUsed++
			return nil
		}); err != nil {
			return fmt.Errorf("iteration: bump iterations_used %s: %w", taskID, err)
		}

		if turnEnding {
			if report != nil {
				if err := completion.Propagate(ctx, e.st, e.mgr, *report); err != nil {
					e.log.Warn("iteration: completion propagation failed", "task_id", taskID, "error", err)
				}
			}
			return nil
		}

		refreshed, loadErr := e.st.GetTask(ctx, taskID)
		if loadErr != nil {
			return fmt.Errorf("iteration: reload task %s: %w", taskID, loadErr)
		}
		if refreshed.Status != model.StatusRunning {
			return nil
		}
	}
}

// runIteration implements the 9-step per-iteration algorithm. It returns
// turnEnding and, only when the turn closed, a completion.Report ready for
// the caller to propagate.
func (e *Engine) runIteration(ctx context.Context, taskID string, task *model.Task) (turnEnding bool, report *completion.Report, err error) {
	// Step 1: drain the inbox into the conversation.
	if _, err := queue.Drain(ctx, e.st, taskID); err != nil {
		return false, nil, fmt.Errorf("iteration: drain %s: %w", taskID, err)
	}

	// Step 2: load the conversation and produce the repaired view.
	conv, err := e.st.GetConversation(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil, fmt.Errorf("%w: %s", ErrConversationNotFound, taskID)
		}
		return false, nil, fmt.Errorf("iteration: load conversation %s: %w", taskID, err)
	}
	repaired, warnings := repair.Repair(*conv)
	for _, w := range warnings {
		e.log.Warn("iteration: conversation repair warning", "task_id", taskID, "detail", w.Detail)
	}

	tail, hasTail := conv.Tail()
	if !hasTail {
		return false, nil, fmt.Errorf("iteration: conversation %s has no turns to act on", taskID)
	}
	turnNumber := tail.TurnNumber

	// Step 3: flatten every turn's messages into the wire message list.
	wireMessages := flatten(repaired)

	// Step 4: assemble the system prompt.
	systemPrompt := e.buildSystemPrompt(ctx, task)

	// Step 5: submit through the Throttle Coordinator.
	coordinator := e.coordinatorFor(task.ModelID)
	isAlive := func(ctx context.Context) (bool, error) {
		t, err := e.st.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		return t.Status == model.StatusRunning, nil
	}

	outcome, err := coordinator.Await(ctx, task.LastUsage, isAlive)
	if err != nil {
		return false, nil, fmt.Errorf("iteration: throttle await %s: %w", taskID, err)
	}
	if outcome == throttle.OutcomeCancelled {
		return false, nil, nil
	}

	req := llm.Request{
		ModelID:      task.ModelID,
		Messages:     wireMessages,
		SystemPrompt: systemPrompt,
		Tools:        e.dispatcher.Specs(),
	}
	resp, err := e.client.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, llm.ErrThrottled) {
			if _, tErr := coordinator.OnThrottled(ctx); tErr != nil {
				return false, nil, fmt.Errorf("iteration: throttle backoff %s: %w", taskID, tErr)
			}
			return false, nil, nil
		}
		e.dumpFailedRequest(taskID, req, err)
		return false, nil, fmt.Errorf("iteration: llm submit %s: %w", taskID, err)
	}
	if err := coordinator.OnSuccess(ctx); err != nil {
		e.log.Warn("iteration: throttle success publish failed", "task_id", taskID, "error", err)
	}

	if err := e.st.PatchTask(ctx, taskID, func(t *model.Task) error {
		t.LastUsage = resp.Usage
		return nil
	}); err != nil {
		return false, nil, fmt.Errorf("iteration: record usage %s: %w", taskID, err)
	}

	// Step 6: persist the assistant message.
	assistantMsg := model.Message{Role: model.RoleAssistant, Content: resp.Content, Timestamp: time.Now()}
	if _, _, err := e.st.AppendMessages(ctx, taskID, turnNumber, []model.Message{assistantMsg}); err != nil {
		return false, nil, fmt.Errorf("iteration: append assistant message %s: %w", taskID, err)
	}

	switch resp.StopReason {
	case llm.StopToolUse:
		// Step 7: dispatch every tool_use block; each enqueues its own result.
		for _, block := range assistantMsg.Content {
			if block.Kind != model.BlockToolUse {
				continue
			}
			if err := e.dispatcher.Dispatch(ctx, taskID, block); err != nil {
				return false, nil, fmt.Errorf("iteration: dispatch %s for %s: %w", block.ToolUseName, taskID, err)
			}
		}
		return false, nil, nil

	case llm.StopMaxTokens:
		// Step 8: the next iteration continues this turn.
		return false, nil, nil

	default:
		// Step 9: the turn has closed; summarize and report completion.
		summary, sumErr := e.summarize(ctx, task, taskID, turnNumber)
		if sumErr != nil {
			e.log.Warn("iteration: summarizer failed, leaving turn_summary empty", "task_id", taskID, "error", sumErr)
		} else if summary != "" {
			if err := e.st.SetTurnSummary(ctx, taskID, turnNumber, summary); err != nil {
				return false, nil, fmt.Errorf("iteration: set turn_summary %s: %w", taskID, err)
			}
		}

		rep := &completion.Report{
			ChildTaskID:  taskID,
			ParentTaskID: task.ParentTaskID,
			TurnNumber:   turnNumber,
			Iterations:   task.IterationsUsed + 1,
			FinalText:    finalText(assistantMsg),
		}
		return true, rep, nil
	}
}

func (e *Engine) buildSystemPrompt(ctx context.Context, task *model.Task) string {
	var parentTranscript string
	if task.ParentTaskID != "" {
		if parentConv, err := e.st.GetConversation(ctx, task.ParentTaskID); err == nil {
			parentTranscript = prompt.BuildTranscript(parentConv)
		}
	}
	dynamic := prompt.BuildDynamicFragment(prompt.DynamicOptions{
		IterationsUsed:   task.IterationsUsed,
		MaxIterations:    task.MaxIterations,
		WarningThreshold: e.cfg.WarningThreshold,
		ParentTranscript: parentTranscript,
	})
	return prompt.Assemble(task.StaticSystemPrompt, dynamic)
}

// summarize issues the tool-free second LLM call that produces turn_summary.
func (e *Engine) summarize(ctx context.Context, task *model.Task, taskID string, turnNumber int) (string, error) {
	conv, err := e.st.GetConversation(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("load conversation for summary: %w", err)
	}
	var turn model.Turn
	found := false
	for _, t := range conv.Turns {
		if t.TurnNumber == turnNumber {
			turn = t
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("turn %d not found", turnNumber)
	}

	transcript := prompt.BuildTranscript(&model.Conversation{TaskID: taskID, Turns: []model.Turn{turn}})
	summarizerModel := task.EffectiveSummarizerModel()
	coordinator := e.coordinatorFor(summarizerModel)
	isAlive := func(ctx context.Context) (bool, error) { return true, nil }

	outcome, err := coordinator.Await(ctx, task.LastUsage, isAlive)
	if err != nil {
		return "", fmt.Errorf("throttle await for summary: %w", err)
	}
	if outcome == throttle.OutcomeCancelled {
		return "", nil
	}

	resp, err := e.client.Submit(ctx, llm.Request{
		ModelID:      summarizerModel,
		SystemPrompt: "Summarize the following conversation turn concisely, in a few sentences.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: []model.ContentBlock{model.TextBlock(transcript)}},
		},
	})
	if err != nil {
		if errors.Is(err, llm.ErrThrottled) {
			_, _ = coordinator.OnThrottled(ctx)
			return "", nil
		}
		return "", fmt.Errorf("summarizer llm call: %w", err)
	}
	_ = coordinator.OnSuccess(ctx)

	for _, block := range resp.Content {
		if block.Kind == model.BlockText {
			return block.Text, nil
		}
	}
	return "", nil
}

// finalize clears pid/status on any exit path from Run, including errors.
func (e *Engine) finalize(ctx context.Context, taskID string) error {
	return e.st.PatchTask(ctx, taskID, func(t *model.Task) error {
		t.PID = 0
		t.Status = model.StatusStopped
		return nil
	})
}

// dumpFailedRequest persists the offending request for diagnosis on a
// non-throttling transport error, per the §7 error taxonomy.
func (e *Engine) dumpFailedRequest(taskID string, req llm.Request, submitErr error) {
	dir := e.cfg.FailedRequestDumpDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "taskcore-failed-requests")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Error("iteration: failed to create diagnostic dump dir", "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", taskID, time.Now().UnixNano()))
	payload, err := json.MarshalIndent(map[string]any{"request": req, "error": submitErr.Error()}, "", "  ")
	if err != nil {
		e.log.Error("iteration: failed to encode diagnostic dump", "error", err)
		return
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		e.log.Error("iteration: failed to write diagnostic dump", "path", path, "error", err)
	}
}

func flatten(conv model.Conversation) []model.Message {
	var out []model.Message
	for _, turn := range conv.Turns {
		out = append(out, turn.Messages...)
	}
	return out
}

func finalText(msg model.Message) string {
	for _, block := range msg.Content {
		if block.Kind == model.BlockText {
			return block.Text
		}
	}
	return ""
}
