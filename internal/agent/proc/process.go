// Package proc starts supervised OS processes and terminates them with
// signal escalation.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is a running OS process owned by the agent.
type Process interface {
	// PID returns the OS process id.
	PID() int
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forcibly terminates the process.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// Spec describes how to launch a process.
type Spec struct {
	Args []string
	Dir  string
	Env  []string
}

// OSProcess is a Process backed by os/exec. Its stdout and stderr are
// merged into a single pipe read through Output.
type OSProcess struct {
	cmd    *exec.Cmd
	output *os.File
	done   chan struct{}

	exitCode int
	waitErr  error
}

// Start launches the process in its own process group.
func Start(spec Spec) (*OSProcess, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("empty command")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	pw.Close()

	p := &OSProcess{
		cmd:    cmd,
		output: pr,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *OSProcess) wait() {
	err := p.cmd.Wait()
	p.exitCode = exitCode(p.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	close(p.done)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// PID returns the OS process id.
func (p *OSProcess) PID() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the process has not exited yet.
func (p *OSProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited.
func (p *OSProcess) Done() <-chan struct{} {
	return p.done
}

// Output returns the read end of the merged stdout/stderr pipe. It
// reaches EOF once every process in the group has closed its output.
func (p *OSProcess) Output() io.ReadCloser {
	return p.output
}

// Terminate sends SIGTERM to the process group.
func (p *OSProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *OSProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *OSProcess) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Wait blocks until the process exits or ctx is done and returns the exit
// code. Processes killed by a signal report 128+signal.
func (p *OSProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
