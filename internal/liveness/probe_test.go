package liveness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskcore.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProbeNoPIDIsNotAlive(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	if err := st.SetTask(ctx, &model.Task{TaskID: "t1", Status: model.StatusStopped, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SetTask: %v", err)
	}
	res, err := Probe(ctx, st, "t1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Alive {
		t.Fatalf("expected not alive with no pid recorded")
	}
}

func TestProbeDeadPIDReconciles(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	// An implausibly large pid: on any real system this will not resolve to
	// a live process, exercising the reconcile-on-death path.
	if err := st.SetTask(ctx, &model.Task{TaskID: "t1", Status: model.StatusRunning, PID: 1 << 29, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SetTask: %v", err)
	}

	events, cancel := st.Subscribe(store.TaskChannel("t1"))
	defer cancel()

	res, err := Probe(ctx, st, "t1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Alive {
		t.Fatalf("expected dead pid to be reported not alive")
	}

	task, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.PID != 0 || task.Status != model.StatusStopped {
		t.Fatalf("task not reconciled: %+v", task)
	}

	select {
	case ev := <-events:
		if ev.Payload != "process_ended" {
			t.Fatalf("unexpected event payload: %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for process_ended")
	}
}
