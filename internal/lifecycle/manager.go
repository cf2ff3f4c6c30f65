// Package lifecycle implements the Task Lifecycle Manager (C7): create,
// reactivate, and stop tasks, spawning the OS-level worker process that runs
// the Iteration Engine.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/microcore/taskcore/internal/auditlog"
	"github.com/microcore/taskcore/internal/liveness"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/queue"
	"github.com/microcore/taskcore/internal/store"
)

const defaultMaxIterations = 250

// StopGrace is how long Stop waits after a terminate signal before
// escalating to a kill.
var StopGrace = 5 * time.Second

// Action names the decision matrix branch a Launch call took, for logging
// and tests.
type Action string

const (
	ActionResume         Action = "resume"
	ActionReactivate     Action = "reactivate"
	ActionCreateWithID   Action = "create-with-id"
)

// LaunchOpts mirrors the C7 launch signature.
type LaunchOpts struct {
	TaskID             string // empty means allocate a new id
	ModelID            string
	SummarizerModelID  string
	StaticSystemPrompt string
	EnableRecursion    bool
	InitialMessages    []string
	ParentTaskID       string
	BaseName           string
	MaxIterations      int
	StartProcess       bool
}

// LaunchResult reports what Launch did.
type LaunchResult struct {
	TaskID string
	Action Action
	PID    int // 0 when not spawned
}

// Manager is the C7 Task Lifecycle Manager.
type Manager struct {
	st         *store.Store
	log        *slog.Logger
	selfBinary string // path to this module's own worker binary, used to spawn "run <task_id>"

	// SpawnFunc performs the actual OS-level spawn and defaults to
	// execSpawn; tests substitute a fake to avoid forking real processes.
	SpawnFunc func(selfBinary, taskID string) (int, error)

	// Audit, when non-nil, receives one entry per launch decision and stop.
	Audit *auditlog.Store
}

// NewManager builds a Manager. selfBinary is the executable Launch spawns
// with a "run <task_id>" argument vector for a new worker process.
func NewManager(st *store.Store, log *slog.Logger, selfBinary string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{st: st, log: log, selfBinary: selfBinary, SpawnFunc: execSpawn}
}

// Launch implements the C7 decision matrix. The conversation-presence check,
// never process liveness, is what protects an existing conversation from
// being overwritten.
func (m *Manager) Launch(ctx context.Context, opts LaunchOpts) (LaunchResult, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}

	if opts.TaskID == "" {
		opts.TaskID = uuid.NewString()
		return m.createWithID(ctx, opts)
	}

	probeResult, err := liveness.Probe(ctx, m.st, opts.TaskID)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("lifecycle: probe %s: %w", opts.TaskID, err)
	}

	if probeResult.Alive {
		if err := m.updateRecord(ctx, opts); err != nil {
			return LaunchResult{}, err
		}
		if err := m.enqueueInitial(ctx, opts); err != nil {
			return LaunchResult{}, err
		}
		m.log.Info("lifecycle: resume", "task_id", opts.TaskID)
		m.audit(opts.TaskID, "launch_resume", nil)
		return LaunchResult{TaskID: opts.TaskID, Action: ActionResume}, nil
	}

	hasConv, err := m.st.HasConversation(ctx, opts.TaskID)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("lifecycle: has conversation %s: %w", opts.TaskID, err)
	}
	if hasConv {
		return m.reactivate(ctx, opts)
	}
	return m.createWithID(ctx, opts)
}

func (m *Manager) reactivate(ctx context.Context, opts LaunchOpts) (LaunchResult, error) {
	if err := m.updateRecord(ctx, opts); err != nil {
		return LaunchResult{}, err
	}
	if err := m.enqueueInitial(ctx, opts); err != nil {
		return LaunchResult{}, err
	}
	result := LaunchResult{TaskID: opts.TaskID, Action: ActionReactivate}
	if opts.StartProcess {
		pid, err := m.spawn(opts.TaskID)
		if err != nil {
			return LaunchResult{}, err
		}
		result.PID = pid
	}
	m.log.Info("lifecycle: reactivate", "task_id", opts.TaskID, "pid", result.PID)
	m.audit(opts.TaskID, "launch_reactivate", map[string]any{"pid": result.PID})
	return result, nil
}

func (m *Manager) createWithID(ctx context.Context, opts LaunchOpts) (LaunchResult, error) {
	task := &model.Task{
		TaskID:             opts.TaskID,
		ParentTaskID:       opts.ParentTaskID,
		ModelID:            opts.ModelID,
		SummarizerModelID:  opts.SummarizerModelID,
		StaticSystemPrompt: opts.StaticSystemPrompt,
		EnableRecursion:    opts.EnableRecursion,
		Status:             model.StatusStopped,
		CreatedAt:          time.Now(),
		MaxIterations:      opts.MaxIterations,
		BaseName:           opts.BaseName,
	}
	if err := m.st.SetTask(ctx, task); err != nil {
		return LaunchResult{}, fmt.Errorf("lifecycle: write task record %s: %w", opts.TaskID, err)
	}

	conv := &model.Conversation{TaskID: opts.TaskID}
	if len(opts.InitialMessages) > 0 {
		turn := model.Turn{TurnNumber: 0, StartedAt: time.Now()}
		for _, text := range opts.InitialMessages {
			turn.Messages = append(turn.Messages, model.Message{
				Role:      model.RoleUser,
				Content:   []model.ContentBlock{model.TextBlock(text)},
				Timestamp: time.Now(),
			})
		}
		conv.Turns = append(conv.Turns, turn)
	}
	if err := m.st.CreateConversation(ctx, conv); err != nil {
		return LaunchResult{}, fmt.Errorf("lifecycle: create conversation %s: %w", opts.TaskID, err)
	}

	if opts.ParentTaskID != "" {
		if err := m.st.PatchTask(ctx, opts.ParentTaskID, func(t *model.Task) error {
			t.Children = append(t.Children, opts.TaskID)
			return nil
		}); err != nil {
			m.log.Warn("lifecycle: advisory children update failed", "parent_task_id", opts.ParentTaskID, "error", err)
		}
	}

	result := LaunchResult{TaskID: opts.TaskID, Action: ActionCreateWithID}
	if opts.StartProcess {
		pid, err := m.spawn(opts.TaskID)
		if err != nil {
			return LaunchResult{}, err
		}
		result.PID = pid
	}
	m.log.Info("lifecycle: create-with-id", "task_id", opts.TaskID, "pid", result.PID)
	m.audit(opts.TaskID, "launch_create", map[string]any{"pid": result.PID, "parent_task_id": opts.ParentTaskID})
	return result, nil
}

// audit appends a best-effort lifecycle entry; a nil Audit store is a no-op.
func (m *Manager) audit(taskID, action string, detail map[string]any) {
	if m.Audit == nil {
		return
	}
	m.Audit.Append(auditlog.Entry{TaskID: taskID, Action: action, Detail: detail})
}

func (m *Manager) updateRecord(ctx context.Context, opts LaunchOpts) error {
	return m.st.PatchTask(ctx, opts.TaskID, func(t *model.Task) error {
		if opts.ModelID != "" {
			t.ModelID = opts.ModelID
		}
		if opts.SummarizerModelID != "" {
			t.SummarizerModelID = opts.SummarizerModelID
		}
		if opts.StaticSystemPrompt != "" {
			t.StaticSystemPrompt = opts.StaticSystemPrompt
		}
		t.EnableRecursion = opts.EnableRecursion
		if opts.MaxIterations > 0 {
			t.MaxIterations = opts.MaxIterations
		}
		if opts.BaseName != "" {
			t.BaseName = opts.BaseName
		}
		return nil
	})
}

func (m *Manager) enqueueInitial(ctx context.Context, opts LaunchOpts) error {
	for _, text := range opts.InitialMessages {
		env := model.Envelope{Kind: model.EnvelopeUser, Payload: text, Timestamp: time.Now()}
		if err := queue.Enqueue(ctx, m.st, opts.TaskID, env); err != nil {
			return fmt.Errorf("lifecycle: enqueue initial message %s: %w", opts.TaskID, err)
		}
	}
	return nil
}

// spawn starts an independent worker process for taskID. The worker writes
// its own pid and status=running once it has initialized; spawn only
// launches it and hands back the OS pid.
func (m *Manager) spawn(taskID string) (int, error) {
	return m.SpawnFunc(m.selfBinary, taskID)
}

// execSpawn is the production SpawnFunc: it execs selfBinary with a
// "run <task_id>" argument vector.
func execSpawn(selfBinary, taskID string) (int, error) {
	cmd := exec.Command(selfBinary, "run", taskID)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("lifecycle: spawn %s: %w", taskID, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }() // reap without blocking the launcher
	return pid, nil
}

// Stop requests taskID stop: terminate, escalate to kill after StopGrace,
// then reconcile the task record on confirmed death. A stop mid-LLM-call is
// observed by the Throttle Coordinator's periodic status check, not by a
// forced interruption here.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	probeResult, err := liveness.Probe(ctx, m.st, taskID)
	if err != nil {
		return fmt.Errorf("lifecycle: probe %s: %w", taskID, err)
	}
	if !probeResult.Alive {
		return nil
	}

	proc, err := findProcess(probeResult.PID)
	if err != nil {
		return fmt.Errorf("lifecycle: find process %d: %w", probeResult.PID, err)
	}
	if err := terminate(proc); err != nil {
		m.log.Warn("lifecycle: terminate failed", "task_id", taskID, "pid", probeResult.PID, "error", err)
	}

	deadline := time.Now().Add(StopGrace)
	for time.Now().Before(deadline) {
		again, err := liveness.Probe(ctx, m.st, taskID)
		if err != nil {
			return fmt.Errorf("lifecycle: probe %s: %w", taskID, err)
		}
		if !again.Alive {
			m.audit(taskID, "stop", map[string]any{"pid": probeResult.PID, "escalated_to_kill": false})
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := kill(proc); err != nil {
		m.log.Warn("lifecycle: kill failed", "task_id", taskID, "pid", probeResult.PID, "error", err)
	}
	if _, err := liveness.Probe(ctx, m.st, taskID); err != nil {
		return fmt.Errorf("lifecycle: post-kill probe %s: %w", taskID, err)
	}
	m.audit(taskID, "stop", map[string]any{"pid": probeResult.PID, "escalated_to_kill": true})
	return nil
}
