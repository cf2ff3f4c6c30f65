// Package completion implements the Completion Propagator (C8): waking a
// parent task when a child's turn ends.
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcore/taskcore/internal/auditlog"
	"github.com/microcore/taskcore/internal/lifecycle"
	"github.com/microcore/taskcore/internal/liveness"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/queue"
	"github.com/microcore/taskcore/internal/store"
)

// Report is what the Iteration Engine hands to Propagate when a turn ends.
type Report struct {
	ChildTaskID  string
	ParentTaskID string
	TurnNumber   int
	Iterations   int
	FinalText    string
}

// Propagate enqueues a completion envelope into the parent's inbox and, if
// the parent is not alive, reactivates it. If ParentTaskID is empty this is
// a no-op — a root task has nothing to wake.
func Propagate(ctx context.Context, st *store.Store, mgr *lifecycle.Manager, r Report) error {
	if r.ParentTaskID == "" {
		return nil
	}

	text := composeMessage(r)
	env := model.Envelope{
		Kind:      model.EnvelopeCompletion,
		Payload:   text,
		SenderID:  r.ChildTaskID,
	}
	if err := queue.Enqueue(ctx, st, r.ParentTaskID, env); err != nil {
		return fmt.Errorf("completion: enqueue into parent %s: %w", r.ParentTaskID, err)
	}

	auditPropagation(mgr, r)

	probeResult, err := liveness.Probe(ctx, st, r.ParentTaskID)
	if err != nil {
		return fmt.Errorf("completion: probe parent %s: %w", r.ParentTaskID, err)
	}
	if probeResult.Alive {
		return nil
	}

	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: r.ParentTaskID, StartProcess: true}); err != nil {
		return fmt.Errorf("completion: reactivate parent %s: %w", r.ParentTaskID, err)
	}
	return nil
}

// auditPropagation records the wake-the-parent event under the child's task
// id, reusing the lifecycle manager's own audit sink rather than threading a
// separate one through this package's signature.
func auditPropagation(mgr *lifecycle.Manager, r Report) {
	if mgr == nil || mgr.Audit == nil {
		return
	}
	mgr.Audit.Append(auditlog.Entry{
		TaskID: r.ChildTaskID,
		Action: "completion_propagate",
		Detail: map[string]any{"parent_task_id": r.ParentTaskID, "turn_number": r.TurnNumber},
	})
}

func composeMessage(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Child task %s has completed (turn %d, %d iterations).\n", r.ChildTaskID, r.TurnNumber, r.Iterations)
	if strings.TrimSpace(r.FinalText) != "" {
		b.WriteString(r.FinalText)
	}
	return b.String()
}
