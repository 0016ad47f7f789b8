//go:build windows

package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

const lineSeparator = "\r\n"

// setProcessGroup starts the process in a new process group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcessTree kills p only; children it spawned keep running.
// TODO: assign hosts to a job object so that children are terminated with them.
func killProcessTree(p *os.Process) error {
	return p.Kill()
}

// waitForExternalProcess waits on a process this agent did not start.
func waitForExternalProcess(ctx context.Context, pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
