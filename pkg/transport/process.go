package transport

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// execProcess backs both local and remote processes; for remote targets the
// wrapped command is the ssh client.
type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdinMu  sync.Mutex
	waitOnce sync.Once
	status   ExitStatus
}

func startProcess(cmd *exec.Cmd, streams Streams, waitDelay time.Duration) (*execProcess, error) {
	stdout := streams.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := streams.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Descendants that outlive the process keep the pipes open; stop
	// draining them waitDelay after it exits.
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, err
	}

	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Write(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return 0, os.ErrClosed
	}
	return p.stdin.Write(b)
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	err := signalGroup(p.cmd.Process, sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the process exits and both output streams are drained,
// or the wait delay has passed since the exit.
func (p *execProcess) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.status = exitStatusFor(p.cmd.ProcessState, err)

		p.stdinMu.Lock()
		p.stdin = nil
		p.stdinMu.Unlock()
	})
	return p.status
}

func exitStatusFor(state *os.ProcessState, err error) ExitStatus {
	status := ExitStatus{Code: 1}
	if state != nil {
		status.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal()
			status.Code = 128 + int(ws.Signal())
		}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Stream copy failures; the exit code is still meaningful.
		status.Err = err
	}
	return status
}

func runOutput(cmd *exec.Cmd) (Result, error) {
	out, err := cmd.Output()
	if err == nil {
		return Result{ExitCode: 0, Output: string(out)}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitCodeOf(exitErr.ProcessState), Output: string(out)}, nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return Result{ExitCode: ExitNotFound}, nil
	}
	return Result{}, err
}

func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
