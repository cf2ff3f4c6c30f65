// Package liveness implements the Liveness Probe (C2): verifying whether a
// task's recorded process is actually alive, and reconciling the task
// record's status/pid fields when it is not.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/store"
)

// acceptedAlive mirrors the process states the orchestrator treats as "the
// task is still doing something", matching psutil's status constants.
var acceptedAlive = map[string]bool{
	"running":    true,
	"sleeping":   true,
	"disk-sleep": true,
	"idle":       true,
}

// Result is the outcome of a liveness check.
type Result struct {
	Alive      bool
	PID        int32
	CPUPercent float64
}

// Probe checks taskID's recorded pid against the operating system. On a
// dead-or-missing result it atomically clears pid and sets status=stopped,
// then publishes process_ended on the task's channel.
func Probe(ctx context.Context, st *store.Store, taskID string) (Result, error) {
	task, err := st.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		// No task record means no recorded pid: not alive, nothing to reconcile.
		return Result{Alive: false}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("liveness: load task %s: %w", taskID, err)
	}
	if task.PID == 0 {
		return Result{Alive: false}, nil
	}

	pid := int32(task.PID)
	alive, cpu := checkOS(pid, taskID)
	if alive {
		return Result{Alive: true, PID: pid, CPUPercent: cpu}, nil
	}

	if err := st.PatchTask(ctx, taskID, func(t *model.Task) error {
		t.PID = 0
		t.Status = model.StatusStopped
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("liveness: reconcile task %s: %w", taskID, err)
	}
	if err := st.Publish(ctx, store.TaskChannel(taskID), "process_ended"); err != nil {
		return Result{}, fmt.Errorf("liveness: publish process_ended for %s: %w", taskID, err)
	}
	return Result{Alive: false}, nil
}

// checkOS queries the OS for pid's status and, to guard against PID reuse,
// confirms the process's command line still references taskID before
// trusting the match. Returns alive=false on any lookup failure.
func checkOS(pid int32, taskID string) (alive bool, cpuPercent float64) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false, 0
	}
	status, err := proc.Status()
	if err != nil || len(status) == 0 {
		return false, 0
	}
	ok := false
	for _, s := range status {
		if acceptedAlive[normalizeStatus(s)] {
			ok = true
			break
		}
	}
	if !ok {
		return false, 0
	}
	cmdline, err := proc.Cmdline()
	if err != nil || !strings.Contains(cmdline, taskID) {
		return false, 0
	}
	// Non-blocking sample: gopsutil returns 0 on the first call of a fresh
	// Process handle and compares against the prior call internally when
	// reused; callers treat this purely as informational telemetry.
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	return true, cpu
}

func normalizeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "R":
		return "running"
	case "S":
		return "sleeping"
	case "D":
		return "disk-sleep"
	case "I":
		return "idle"
	default:
		return strings.ToLower(s)
	}
}

// Sweep probes each task id in runningTaskIDs and reconciles any whose
// recorded process has died, returning the ids found not alive. It does not
// look up which task records are marked running; the caller supplies the ids
// (the worker's root sweep passes the root task's children). It is a
// convenience pass over Probe, not a separate liveness algorithm.
func Sweep(ctx context.Context, st *store.Store, runningTaskIDs []string) (reconciled []string, err error) {
	for _, id := range runningTaskIDs {
		res, err := Probe(ctx, st, id)
		if err != nil {
			return reconciled, err
		}
		if !res.Alive {
			reconciled = append(reconciled, id)
		}
	}
	return reconciled, nil
}
