package transport

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/saworbit/perfrecord/internal/platform"
	"go.uber.org/zap"
)

type localTransport struct {
	opts   Options
	logger *zap.Logger
}

func newLocal(opts Options) *localTransport {
	return &localTransport{
		opts:   opts,
		logger: opts.Logger.With(zap.String("target", "local")),
	}
}

func (t *localTransport) Target() Target {
	return Local()
}

func (t *localTransport) Spawn(cmd Command, streams Streams) (Process, error) {
	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return nil, &SpawnError{Target: Local(), Path: cmd.Path, Err: err}
	}

	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(append([]string(nil), t.opts.BaseEnv...), cmd.Env...)

	proc, err := startProcess(c, streams, t.opts.WaitDelay)
	if err != nil {
		return nil, &SpawnError{Target: Local(), Path: path, Err: err}
	}

	t.logger.Debug("spawned process",
		zap.String("path", path),
		zap.Strings("args", cmd.Args),
		zap.Int("pid", proc.Pid()),
	)
	return proc, nil
}

func (t *localTransport) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{ExitCode: ExitNotFound}, nil
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Env = t.opts.BaseEnv
	res, err := runOutput(c)
	t.logger.Debug("diagnostic command",
		zap.String("command", strings.Join(argv, " ")),
		zap.Int("exit_code", res.ExitCode),
	)
	return res, err
}

func (t *localTransport) Check(_ context.Context, path string, check Check) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	switch check {
	case IsRegular:
		return info.Mode().IsRegular()
	case IsDir:
		return info.IsDir()
	case IsExecutable:
		return platform.Access(path, platform.Execute)
	case IsReadable:
		return platform.Access(path, platform.Read)
	default:
		return true
	}
}

func (t *localTransport) Describe(status ExitStatus) string {
	if status.Code == ExitNotFound && !status.Signaled() {
		return "command not found"
	}
	return ""
}
