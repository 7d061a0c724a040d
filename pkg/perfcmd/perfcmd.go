// Package perfcmd validates recording targets and builds perf record argument
// vectors.
package perfcmd

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/saworbit/perfrecord/pkg/transport"
	"go.uber.org/multierr"
)

// Mode selects what perf records. It is one of Launch, Attach or SystemWide.
type Mode interface {
	mode()
}

// Launch starts a new program under perf.
type Launch struct {
	Executable       string
	Args             []string
	WorkingDirectory string
}

// Attach records already running processes.
type Attach struct {
	PIDs []int
}

// SystemWide samples all CPUs.
type SystemWide struct{}

func (Launch) mode()     {}
func (Attach) mode()     {}
func (SystemWide) mode() {}

// ValidationError collects every problem found with a request. Messages are
// meant for end users.
type ValidationError struct {
	err error
}

// Problems returns the individual messages in the order they were found.
func (e *ValidationError) Problems() []string {
	errs := multierr.Errors(e.err)
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems(), " ")
}

func (e *ValidationError) Unwrap() []error {
	return multierr.Errors(e.err)
}

// Invalid wraps one or more problems into a *ValidationError.
func Invalid(problems ...string) *ValidationError {
	var err error
	for _, p := range problems {
		err = multierr.Append(err, problem(p))
	}
	return &ValidationError{err: err}
}

type problem string

func (p problem) Error() string { return string(p) }

// Invocation is a validated perf command line.
type Invocation struct {
	Args []string
	Dir  string
}

// Build validates mode against tr's target and returns the perf record
// arguments. Output always goes to perf's standard output.
func Build(ctx context.Context, tr transport.Transport, perfOptions []string, mode Mode) (Invocation, error) {
	args := []string{"record", "-o", "-"}
	args = append(args, perfOptions...)

	switch m := mode.(type) {
	case Launch:
		exe := resolveExecutable(tr.Target(), m.Executable)
		if err := validateExecutable(ctx, tr, exe); err != nil {
			return Invocation{}, err
		}
		args = append(args, exe)
		args = append(args, m.Args...)
		return Invocation{Args: args, Dir: m.WorkingDirectory}, nil

	case Attach:
		if len(m.PIDs) == 0 {
			return Invocation{}, Invalid("No process to record.")
		}
		return Invocation{Args: append(args, "--pid", JoinPIDs(m.PIDs))}, nil

	case SystemWide:
		return Invocation{Args: append(args, "--all-cpus")}, nil

	default:
		return Invocation{}, fmt.Errorf("unsupported recording mode %T", mode)
	}
}

// resolveExecutable looks bare program names up in PATH on the local machine.
// Remote names are passed through, the remote shell resolves them.
func resolveExecutable(target transport.Target, exe string) string {
	if target.IsRemote() || exe == "" || strings.ContainsRune(exe, filepath.Separator) {
		return exe
	}
	if resolved, err := exec.LookPath(exe); err == nil {
		return resolved
	}
	return exe
}

func validateExecutable(ctx context.Context, tr transport.Transport, exe string) error {
	var errs error
	if !tr.Check(ctx, exe, transport.Exists) {
		errs = multierr.Append(errs, problem(fmt.Sprintf("File '%s' does not exist.", exe)))
	}
	if !tr.Check(ctx, exe, transport.IsRegular) {
		errs = multierr.Append(errs, problem(fmt.Sprintf("'%s' is not a file.", exe)))
	}
	if !tr.Check(ctx, exe, transport.IsExecutable) {
		errs = multierr.Append(errs, problem(fmt.Sprintf("File '%s' is not executable.", exe)))
	}
	if errs != nil {
		return &ValidationError{err: errs}
	}
	return nil
}

// JoinPIDs formats pids the way perf --pid expects them.
func JoinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = strconv.Itoa(pid)
	}
	return strings.Join(parts, ",")
}

// ParsePIDs parses a comma separated pid list. Empty items are skipped.
func ParsePIDs(s string) ([]int, error) {
	var pids []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid pid %q", field)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Wrap prefixes the perf invocation with an elevation helper. sudo reads the
// password from standard input so it can be supplied interactively.
func Wrap(helper, perf string, args []string) transport.Command {
	helperArgs := []string{}
	if filepath.Base(helper) == "sudo" {
		helperArgs = append(helperArgs, "-S")
	}
	helperArgs = append(helperArgs, perf)
	return transport.Command{Path: helper, Args: append(helperArgs, args...)}
}
