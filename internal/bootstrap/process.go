package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// Command describes a child process.
type Command struct {
	Argv   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started child.
type Process interface {
	Pid() int
	// Wait blocks until the child exits.
	Wait() (ExitStatus, error)
	Signal(sig os.Signal) error
}

// Spawner starts processes without waiting for them.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Process, error)
}

// ExitStatus describes how a child ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
	// Description is the human readable form, e.g. "exit status 1".
	Description string
}

// Success reports a zero exit code.
func (s ExitStatus) Success() bool {
	return !s.Signaled && s.Code == 0
}

// ExecSpawner spawns real processes. The child outlives the context passed
// to Spawn.
type ExecSpawner struct{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(ctx context.Context, c Command) (Process, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	klog.FromContext(ctx).V(2).Info("Started process", "pid", cmd.Process.Pid, "path", cmd.Path)
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1, Description: "unknown"}, err
	}

	status := ExitStatus{Code: state.ExitCode(), Description: state.String()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal().String()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return status, err
	}
	return status, nil
}

// ManagedProcess is the handle of a spawned server. A reaper goroutine
// records the exit status; nothing restarts the child.
type ManagedProcess struct {
	Pid  int
	Argv []string

	proc Process
	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
	err    error
}

func manage(proc Process, argv []string) *ManagedProcess {
	m := &ManagedProcess{
		Pid:  proc.Pid(),
		Argv: append([]string(nil), argv...),
		proc: proc,
		done: make(chan struct{}),
	}
	go m.reap()
	return m
}

func (m *ManagedProcess) reap() {
	status, err := m.proc.Wait()
	m.mu.Lock()
	m.status, m.err = status, err
	m.mu.Unlock()
	close(m.done)
}

// Done is closed once the child has exited.
func (m *ManagedProcess) Done() <-chan struct{} {
	return m.done
}

// ExitStatus returns the exit status once the child has exited; ok is false
// while it is running.
func (m *ManagedProcess) ExitStatus() (status ExitStatus, ok bool) {
	select {
	case <-m.done:
	default:
		return ExitStatus{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, true
}

// Err returns an error from waiting on the child, not its exit code.
func (m *ManagedProcess) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Signal forwards sig to the child.
func (m *ManagedProcess) Signal(sig os.Signal) error {
	return m.proc.Signal(sig)
}

// Stop sends SIGTERM and kills the child if it is still running after grace.
func (m *ManagedProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-m.done:
		return nil
	default:
	}

	if err := m.proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", m.Pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-m.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	klog.FromContext(ctx).Info("Server did not stop in time, killing it", "pid", m.Pid, "grace", grace)
	if err := m.proc.Signal(os.Kill); err != nil {
		return fmt.Errorf("kill pid %d: %w", m.Pid, err)
	}
	<-m.done
	return nil
}
