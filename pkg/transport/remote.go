package transport

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"
)

type remoteTransport struct {
	target Target
	opts   Options
	logger *zap.Logger
}

func newRemote(target Target, opts Options) *remoteTransport {
	return &remoteTransport{
		target: target,
		opts:   opts,
		logger: opts.Logger.With(zap.String("target", target.String())),
	}
}

func (t *remoteTransport) Target() Target {
	return t.target
}

// SSHArgs assembles the ssh client arguments: the host selector, the extra
// options and finally the remote command.
func SSHArgs(target Target, remote ...string) []string {
	args := []string{target.Destination()}
	if target.Options != "" {
		args = append(args, strings.Fields(target.Options)...)
	}
	return append(args, remote...)
}

// RemoteCommandLine joins cmd into the single string executed by the remote
// shell, quoting every argument.
func RemoteCommandLine(cmd Command) string {
	argv := cmd.Argv()
	if len(cmd.Env) > 0 {
		argv = append(append([]string{"env"}, cmd.Env...), argv...)
	}
	line := shellescape.QuoteCommand(argv)
	if cmd.Dir != "" {
		line = "cd " + shellescape.Quote(cmd.Dir) + " && " + line
	}
	return line
}

func (t *remoteTransport) environment() []string {
	env := append([]string(nil), t.opts.BaseEnv...)
	return append(env, "SSH_ASKPASS="+t.opts.Askpass)
}

func (t *remoteTransport) Spawn(cmd Command, streams Streams) (Process, error) {
	sshPath, err := exec.LookPath(t.opts.SSHPath)
	if err != nil {
		return nil, &SpawnError{Target: t.target, Path: t.opts.SSHPath, Err: err}
	}

	line := RemoteCommandLine(cmd)
	c := exec.Command(sshPath, SSHArgs(t.target, line)...)
	c.Env = t.environment()

	proc, err := startProcess(c, streams, t.opts.WaitDelay)
	if err != nil {
		return nil, &SpawnError{Target: t.target, Path: sshPath, Err: err}
	}

	t.logger.Debug("spawned remote process",
		zap.String("ssh", sshPath),
		zap.String("command", line),
		zap.Int("pid", proc.Pid()),
	)
	return proc, nil
}

func (t *remoteTransport) Run(ctx context.Context, argv ...string) (Result, error) {
	sshPath, err := exec.LookPath(t.opts.SSHPath)
	if err != nil {
		return Result{}, &SpawnError{Target: t.target, Path: t.opts.SSHPath, Err: err}
	}

	line := shellescape.QuoteCommand(argv)
	c := exec.CommandContext(ctx, sshPath, SSHArgs(t.target, line)...)
	c.Env = t.environment()

	res, err := runOutput(c)
	t.logger.Debug("remote diagnostic command",
		zap.String("command", line),
		zap.Int("exit_code", res.ExitCode),
	)
	return res, err
}

func (t *remoteTransport) Check(ctx context.Context, path string, check Check) bool {
	res, err := t.Run(ctx, "test", check.flag(), path)
	if err != nil {
		t.logger.Warn("remote path check failed", zap.String("path", path), zap.Error(err))
		return false
	}
	return res.ExitCode == 0
}

func (t *remoteTransport) Describe(status ExitStatus) string {
	if status.Signaled() {
		return ""
	}
	switch status.Code {
	case ExitConnectionFailed:
		return fmt.Sprintf("connection to %s failed", t.target.Destination())
	case ExitNotFound:
		return fmt.Sprintf("command not found on %s", t.target.Destination())
	}
	return ""
}
