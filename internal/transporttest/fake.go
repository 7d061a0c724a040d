// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"syscall"

	"github.com/saworbit/perfrecord/pkg/transport"
)

// Fake answers diagnostic commands from a table and spawns scripted processes.
// Commands without a configured result exit with transport.ExitNotFound.
type Fake struct {
	target transport.Target

	mu        sync.Mutex
	results   map[string]transport.Result
	paths     map[string]map[transport.Check]bool
	calls     map[string]int
	spawned   []transport.Command
	processes []*Process

	// SpawnErr is returned by Spawn when set.
	SpawnErr error
	// Script, if set, runs in its own goroutine for every spawned process.
	Script func(p *Process)
	// DescribeFunc backs Describe. Nil means no description.
	DescribeFunc func(transport.ExitStatus) string
}

var _ transport.Transport = (*Fake)(nil)

// New returns a Fake bound to target.
func New(target transport.Target) *Fake {
	return &Fake{
		target:  target,
		results: make(map[string]transport.Result),
		paths:   make(map[string]map[transport.Check]bool),
		calls:   make(map[string]int),
	}
}

// SetResult configures the answer for the command line argv, joined by spaces.
func (f *Fake) SetResult(argv string, res transport.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[argv] = res
}

// SetPath makes checks succeed for path. Exists is implied.
func (f *Fake) SetPath(path string, checks ...transport.Check) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := map[transport.Check]bool{transport.Exists: true}
	for _, c := range checks {
		set[c] = true
	}
	f.paths[path] = set
}

// Calls returns how often argv was run.
func (f *Fake) Calls(argv string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[argv]
}

// Spawned returns the commands passed to Spawn.
func (f *Fake) Spawned() []transport.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Command(nil), f.spawned...)
}

// LastProcess returns the most recently spawned process, or nil.
func (f *Fake) LastProcess() *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.processes) == 0 {
		return nil
	}
	return f.processes[len(f.processes)-1]
}

func (f *Fake) Target() transport.Target {
	return f.target
}

func (f *Fake) Spawn(cmd transport.Command, streams transport.Streams) (transport.Process, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, cmd)
	if f.SpawnErr != nil {
		err := f.SpawnErr
		f.mu.Unlock()
		return nil, &transport.SpawnError{Target: f.target, Path: cmd.Path, Err: err}
	}
	p := newProcess(streams)
	f.processes = append(f.processes, p)
	script := f.Script
	f.mu.Unlock()

	if script != nil {
		go script(p)
	}
	return p, nil
}

func (f *Fake) Run(_ context.Context, argv ...string) (transport.Result, error) {
	key := strings.Join(argv, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return transport.Result{ExitCode: transport.ExitNotFound}, nil
}

func (f *Fake) Check(_ context.Context, path string, check transport.Check) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[path][check]
}

func (f *Fake) Describe(status transport.ExitStatus) string {
	if f.DescribeFunc == nil {
		return ""
	}
	return f.DescribeFunc(status)
}

// Process is a scripted transport.Process. Output is delivered synchronously
// to the streams given to Spawn.
type Process struct {
	streams transport.Streams

	mu         sync.Mutex
	stdin      bytes.Buffer
	terminated int
	killed     int
	status     transport.ExitStatus

	exitOnce sync.Once
	done     chan struct{}

	// IgnoreTerminate keeps the process alive after SIGTERM.
	IgnoreTerminate bool
}

var _ transport.Process = (*Process)(nil)

func newProcess(streams transport.Streams) *Process {
	return &Process{streams: streams, done: make(chan struct{})}
}

// Stdout delivers b on the standard output stream.
func (p *Process) Stdout(b []byte) {
	if p.streams.Stdout != nil {
		_, _ = p.streams.Stdout.Write(b)
	}
}

// Stderr delivers b on the standard error stream.
func (p *Process) Stderr(b []byte) {
	if p.streams.Stderr != nil {
		_, _ = p.streams.Stderr.Write(b)
	}
}

// Exit ends the process with status. Later calls are ignored.
func (p *Process) Exit(status transport.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		close(p.done)
	})
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stdin returns everything written to the process.
func (p *Process) Stdin() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

// Terminations returns how often Terminate and Kill were called.
func (p *Process) Terminations() (terminate, kill int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.killed
}

func (p *Process) Pid() int {
	return 4242
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.Write(b)
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated++
	ignore := p.IgnoreTerminate
	p.mu.Unlock()
	if !ignore {
		p.Exit(transport.ExitStatus{Code: 128 + int(syscall.SIGTERM), Signal: syscall.SIGTERM})
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.Exit(transport.ExitStatus{Code: 128 + int(syscall.SIGKILL), Signal: syscall.SIGKILL})
	return nil
}

func (p *Process) Wait() transport.ExitStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
