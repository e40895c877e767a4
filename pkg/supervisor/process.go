package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessController abstracts worker process management so the
// reconcile loop can be tested without spawning real processes.
type ProcessController interface {
	// Spawn starts a worker for the slot and returns its pid.
	Spawn(slotID string) (int, error)

	// Alive reports whether pid refers to a live process.
	Alive(pid int) bool

	// Terminate requests a graceful stop (SIGTERM to the group).
	Terminate(pid int) error

	// Kill force-stops the process group.
	Kill(pid int) error
}

// execController spawns workers by re-invoking this binary with the
// worker subcommand. Workers get their own process group so a kill
// takes down any child browser too.
type execController struct {
	binary  string
	logPath func(slotID string) string
}

// NewExecController builds the production controller. logPath yields
// the worker log file for a slot.
func NewExecController(logPath func(slotID string) string) (ProcessController, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &execController{binary: binary, logPath: logPath}, nil
}

func (c *execController) Spawn(slotID string) (int, error) {
	logFile, err := os.OpenFile(c.logPath(slotID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open worker log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(c.binary, "worker", "--slot", slotID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn worker: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie.
	go cmd.Wait()
	return pid, nil
}

func (c *execController) Alive(pid int) bool {
	return processAlive(pid)
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

func (c *execController) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func (c *execController) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// terminateWithGrace asks nicely, waits for the group to die, then
// forces the issue.
func terminateWithGrace(pc ProcessController, pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	pc.Terminate(pid)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pc.Alive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	pc.Kill(pid)
}
