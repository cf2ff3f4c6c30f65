package lifecycle

import (
	"fmt"
	"os"
	"syscall"
)

// findProcess resolves an OS pid to a *os.Process handle for signaling.
func findProcess(pid int32) (*os.Process, error) {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc, nil
}

// terminate sends a graceful stop signal.
func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// kill sends a forceful stop signal after the grace window elapses.
func kill(proc *os.Process) error {
	return proc.Signal(syscall.SIGKILL)
}
