package completion

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/microcore/taskcore/internal/lifecycle"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

func newTestRig(t *testing.T) (*store.Store, *lifecycle.Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "completion.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	mgr := lifecycle.NewManager(st, nil, "fake-worker")
	return st, mgr
}

// spawnRecorder wires a SpawnFunc that records invocations instead of
// forking a real process, so tests can assert Launch attempted a spawn
// without depending on a real worker binary to write its own pid/status.
func spawnRecorder(mgr *lifecycle.Manager) *[]string {
	calls := &[]string{}
	mgr.SpawnFunc = func(selfBinary, taskID string) (int, error) {
		*calls = append(*calls, taskID)
		return 4242, nil
	}
	return calls
}

func TestPropagateNoopWithoutParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mgr := newTestRig(t)
	if err := Propagate(ctx, st, mgr, Report{ChildTaskID: "c1"}); err != nil {
		t.Fatalf("propagate: %v", err)
	}
}

func TestPropagateEnqueuesIntoStoppedParentAndReactivates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mgr := newTestRig(t)

	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: "parent", ModelID: "claude-x", StartProcess: false}); err != nil {
		t.Fatalf("launch parent: %v", err)
	}
	spawned := spawnRecorder(mgr)

	err := Propagate(ctx, st, mgr, Report{
		ChildTaskID:  "T2",
		ParentTaskID: "parent",
		TurnNumber:   0,
		Iterations:   3,
		FinalText:    "done",
	})
	if err != nil {
		t.Fatalf("propagate: %v", err)
	}

	envelopes, err := st.Drain(ctx, "parent")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected one completion envelope, got %d", len(envelopes))
	}
	env := envelopes[0]
	if env.Kind != model.EnvelopeCompletion {
		t.Fatalf("expected completion envelope, got %s", env.Kind)
	}
	if !strings.Contains(env.Payload, "Child task T2 has completed") {
		t.Fatalf("unexpected payload: %q", env.Payload)
	}
	if !strings.Contains(env.Payload, "done") {
		t.Fatalf("expected final text in payload: %q", env.Payload)
	}

	if len(*spawned) != 1 || (*spawned)[0] != "parent" {
		t.Fatalf("expected Propagate to reactivate parent via a spawn, got %v", *spawned)
	}
}
