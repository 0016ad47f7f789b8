package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// DefaultStderrClaimGrace is how long the standard error of an exited
// process stays available to StandardError before it is closed.
const DefaultStderrClaimGrace = time.Minute

// ProcessSpec describes a process to launch.
type ProcessSpec struct {
	// Path is the executable
	Path string

	// Args are the arguments, without the executable
	Args []string

	// Dir is the working directory
	Dir string

	// Env is added to the agent's own environment
	Env []string
}

// ProcessWrapper is the OS process boundary of ProcessRunner.
type ProcessWrapper interface {
	// Start launches a process with standard error redirected to a pipe and
	// returns its pid. Standard output is not redirected.
	Start(spec ProcessSpec) (int, error)

	// StandardError hands out the read end of a process's standard error.
	// It can be claimed once per process.
	StandardError(pid int) (io.ReadCloser, error)

	// Kill force-terminates a process.
	Kill(pid int) error

	// List returns the pids of the running processes started by this wrapper.
	List() []int

	// WaitForProcessExit blocks until the process has exited or ctx is done.
	WaitForProcessExit(ctx context.Context, pid int) error

	// ExitCode returns the exit code of a process that has exited.
	ExitCode(pid int) (int, bool)
}

type trackedProcess struct {
	cmd    *exec.Cmd
	stderr *os.File
	done   chan struct{}

	mu       sync.Mutex
	claimed  bool
	released bool
	exited   bool
	reported bool
	exitCode int
}

// forgettable reports whether nothing more can be asked of the process:
// it exited, its exit code was read and its stderr is closed.
// Callers hold p.mu.
func (p *trackedProcess) forgettable() bool {
	return p.exited && p.reported && p.released
}

// stderrReader marks the stderr of a process released when it is closed.
type stderrReader struct {
	*os.File
	once    sync.Once
	release func()
}

func (r *stderrReader) Close() error {
	err := r.File.Close()
	r.once.Do(r.release)
	return err
}

// OSProcessWrapper starts real processes. Each process runs in its own
// process group on unix so that Kill reaches the children it spawned in
// that group.
//
// A process is tracked until it has exited, its exit code has been read and
// its standard error has been closed. Standard error that nobody claims is
// closed claimGrace after the exit.
type OSProcessWrapper struct {
	mu         sync.Mutex
	procs      map[int]*trackedProcess
	claimGrace time.Duration
}

// NewOSProcessWrapper creates a process wrapper for the local OS.
func NewOSProcessWrapper() *OSProcessWrapper {
	return &OSProcessWrapper{
		procs:      make(map[int]*trackedProcess),
		claimGrace: DefaultStderrClaimGrace,
	}
}

// Start implements ProcessWrapper.
func (w *OSProcessWrapper) Start(spec ProcessSpec) (int, error) {
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stderr = stderrWrite
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		stderrRead.Close()
		stderrWrite.Close()
		return 0, err
	}

	// The child holds its own copy of the write end; ours must be closed so
	// the reader sees end of stream when the child exits.
	stderrWrite.Close()

	p := &trackedProcess{
		cmd:    cmd,
		stderr: stderrRead,
		done:   make(chan struct{}),
	}
	pid := cmd.Process.Pid

	w.mu.Lock()
	w.procs[pid] = p
	w.mu.Unlock()

	go w.reap(pid, p)

	return pid, nil
}

// reap waits for a process. The stderr pipe stays open for claimGrace so
// output written before a fast exit can still be collected.
func (w *OSProcessWrapper) reap(pid int, p *trackedProcess) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exitCode = extractExitCode(err)
	p.mu.Unlock()

	close(p.done)

	time.AfterFunc(w.claimGrace, func() { w.Release(pid) })
	w.maybeForget(pid, p)
}

// Release closes the standard error of a process if it has not been
// claimed. A claimed stream is released by closing the reader.
func (w *OSProcessWrapper) Release(pid int) {
	p, ok := w.get(pid)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.claimed {
		p.mu.Unlock()
		return
	}
	p.claimed = true
	p.released = true
	p.stderr.Close()
	p.mu.Unlock()

	w.maybeForget(pid, p)
}

func (w *OSProcessWrapper) maybeForget(pid int, p *trackedProcess) {
	p.mu.Lock()
	done := p.forgettable()
	p.mu.Unlock()
	if !done {
		return
	}

	w.mu.Lock()
	if w.procs[pid] == p {
		delete(w.procs, pid)
	}
	w.mu.Unlock()
}

func (w *OSProcessWrapper) get(pid int) (*trackedProcess, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.procs[pid]
	return p, ok
}

// StandardError implements ProcessWrapper.
func (w *OSProcessWrapper) StandardError(pid int) (io.ReadCloser, error) {
	p, ok := w.get(pid)
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessNotTracked)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return nil, fmt.Errorf("standard error of pid %d already claimed", pid)
	}
	p.claimed = true
	return &stderrReader{
		File: p.stderr,
		release: func() {
			p.mu.Lock()
			p.released = true
			p.mu.Unlock()
			w.maybeForget(pid, p)
		},
	}, nil
}

// Kill implements ProcessWrapper. Processes not started by this wrapper are
// killed by pid.
func (w *OSProcessWrapper) Kill(pid int) error {
	p, ok := w.get(pid)
	if !ok {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return proc.Kill()
	}

	select {
	case <-p.done:
		return fmt.Errorf("pid %d: %w", pid, os.ErrProcessDone)
	default:
	}
	return killProcessTree(p.cmd.Process)
}

// List implements ProcessWrapper.
func (w *OSProcessWrapper) List() []int {
	w.mu.Lock()
	defer w.mu.Unlock()

	pids := make([]int, 0, len(w.procs))
	for pid, p := range w.procs {
		select {
		case <-p.done:
		default:
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// WaitForProcessExit implements ProcessWrapper.
func (w *OSProcessWrapper) WaitForProcessExit(ctx context.Context, pid int) error {
	p, ok := w.get(pid)
	if !ok {
		return waitForExternalProcess(ctx, pid)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode implements ProcessWrapper. Once the exit code of an exited
// process has been read the process may stop being tracked.
func (w *OSProcessWrapper) ExitCode(pid int) (int, bool) {
	p, ok := w.get(pid)
	if !ok {
		return 0, false
	}

	p.mu.Lock()
	code, exited := p.exitCode, p.exited
	if exited {
		p.reported = true
	}
	p.mu.Unlock()

	if exited {
		w.maybeForget(pid, p)
	}
	return code, exited
}
