package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ExitNotFound is the shell convention for "command not found".
const ExitNotFound = 127

// ExitConnectionFailed is what ssh exits with when it cannot reach the host.
const ExitConnectionFailed = 255

// Command is a program invocation. Path is resolved on the target.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Argv returns the full argument vector including the program.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// Streams receive the spawned process output in arrival order. Stdout is
// forwarded byte-for-byte and never interpreted.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
	Err    error
}

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

// Clean reports a zero exit code without a signal.
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && s.Signal == 0
}

// Result is the outcome of a blocking diagnostic command.
type Result struct {
	ExitCode int
	Output   string
}

// Check names a path test, mirroring test(1) flags.
type Check int

const (
	Exists Check = iota
	IsRegular
	IsDir
	IsExecutable
	IsReadable
)

func (c Check) flag() string {
	switch c {
	case IsRegular:
		return "-f"
	case IsDir:
		return "-d"
	case IsExecutable:
		return "-x"
	case IsReadable:
		return "-r"
	default:
		return "-e"
	}
}

// Process is a spawned command. Wait must be called exactly once by the owner;
// the other methods are safe to call concurrently with it.
type Process interface {
	Pid() int
	Write(p []byte) (int, error)
	Terminate() error
	Kill() error
	Wait() ExitStatus
}

// Transport runs commands on a Target.
type Transport interface {
	Target() Target
	// Spawn starts cmd and returns immediately. Output is delivered to
	// streams asynchronously.
	Spawn(cmd Command, streams Streams) (Process, error)
	// Run executes a diagnostic command and blocks until it exits. A missing
	// program is reported as ExitNotFound, not as an error.
	Run(ctx context.Context, argv ...string) (Result, error)
	// Check evaluates a path test on the target.
	Check(ctx context.Context, path string, check Check) bool
	// Describe explains a transport specific exit status, or returns "".
	Describe(status ExitStatus) string
}

// DefaultWaitDelay is the default for Options.WaitDelay.
const DefaultWaitDelay = 2 * time.Second

// Options configures a Transport.
type Options struct {
	// SSHPath is the remote shell client, "ssh" by default.
	SSHPath string
	// Askpass is exported as SSH_ASKPASS to every ssh process.
	Askpass string
	// BaseEnv is the environment spawned processes inherit. Defaults to
	// os.Environ().
	BaseEnv []string
	// WaitDelay bounds how long output is drained after a spawned process
	// exits. Defaults to DefaultWaitDelay.
	WaitDelay time.Duration
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SSHPath == "" {
		o.SSHPath = "ssh"
	}
	if o.BaseEnv == nil {
		o.BaseEnv = os.Environ()
	}
	if o.WaitDelay <= 0 {
		o.WaitDelay = DefaultWaitDelay
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// New returns the transport matching target.
func New(target Target, opts Options) Transport {
	opts = opts.withDefaults()
	if target.IsRemote() {
		return newRemote(target, opts)
	}
	return newLocal(opts)
}

// SpawnError reports a command that could not be started.
type SpawnError struct {
	Target Target
	Path   string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s on %s: %v", e.Path, e.Target, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
