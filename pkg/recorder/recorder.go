// Package recorder runs perf record sessions and reports their progress as
// events.
//
// A session moves through Validating, Starting and Recording and ends in
// Finished or Failed. The profiler writes its data to standard output, which
// is streamed into the output file; standard error is forwarded as output
// events. Every session that is started emits exactly one terminal event,
// finished or failed, optionally preceded by crashed.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/saworbit/perfrecord/internal/metrics"
	"github.com/saworbit/perfrecord/pkg/perfcmd"
	"github.com/saworbit/perfrecord/pkg/probe"
	"github.com/saworbit/perfrecord/pkg/sink"
	"github.com/saworbit/perfrecord/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long Stop waits after SIGTERM before killing.
const DefaultStopTimeout = 10 * time.Second

var (
	sudoUtil   = probe.SudoUtil
	hashOutput = Digest
)

// Options configures a Controller.
type Options struct {
	// PerfPath is the perf binary on the target, "perf" by default.
	PerfPath    string
	StopTimeout time.Duration
	Handler     Handler
	// Journal, if set, receives an entry for every session.
	Journal *Journal
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PerfPath == "" {
		o.PerfPath = "perf"
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Handler == nil {
		o.Handler = func(Event) {}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Controller owns at most one active Session on a transport.
type Controller struct {
	tr   transport.Transport
	opts Options

	mu      sync.Mutex
	session *Session
}

// NewController returns a Controller recording through tr.
func NewController(tr transport.Transport, opts Options) *Controller {
	return &Controller{tr: tr, opts: opts.withDefaults()}
}

// Record validates req and starts perf. A still running previous session is
// stopped first. Validation and spawn failures are reported through a failed
// event as well as the returned error. The returned session is never nil.
func (c *Controller) Record(ctx context.Context, req Request) (*Session, error) {
	s := newSession(c.tr, req, c.opts)

	c.mu.Lock()
	prev := c.session
	c.session = s
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	return s, s.start(ctx)
}

// Session returns the most recent session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the state of the current session. A controller whose last
// session has ended is Idle.
func (c *Controller) State() State {
	s := c.Session()
	if s == nil {
		return Idle
	}
	st := s.State()
	if st.Terminal() {
		return Idle
	}
	return st
}

// Stop ends the current recording. It is a no-op when nothing is recording.
func (c *Controller) Stop() {
	if s := c.Session(); s != nil {
		s.Stop()
	}
}

// SendInput forwards b to the profiler's standard input while recording.
func (c *Controller) SendInput(b []byte) {
	if s := c.Session(); s != nil {
		s.SendInput(b)
	}
}

// Session is a single perf record run.
type Session struct {
	tr      transport.Transport
	req     Request
	opts    Options
	handler Handler
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	userStop  bool
	proc      transport.Process
	sink      *sink.Sink
	command   transport.Command
	startedAt time.Time

	// emitMu serializes event delivery. terminal is set once the terminal
	// event has been delivered and guards against later output events.
	emitMu   sync.Mutex
	terminal bool

	// exited is closed once the profiler has exited and its output is
	// drained. done follows after the terminal event and journaling.
	exited chan struct{}
	done   chan struct{}
}

func newSession(tr transport.Transport, req Request, opts Options) *Session {
	return &Session{
		tr:      tr,
		req:     req,
		opts:    opts,
		handler: opts.Handler,
		logger: opts.Logger.With(
			zap.String("target", tr.Target().String()),
			zap.String("output", req.OutputPath),
		),
		state:  Idle,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed after the terminal event has been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has ended or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) start(ctx context.Context) error {
	s.setState(Validating)

	inv, helper, err := s.validate(ctx)
	if err != nil {
		s.reject(err)
		return err
	}

	s.setState(Starting)

	out, err := sink.Open(s.req.OutputPath)
	if err != nil {
		s.reject(err)
		return err
	}

	cmd := transport.Command{Path: s.opts.PerfPath, Args: inv.Args, Dir: inv.Dir}
	if helper != "" {
		cmd = perfcmd.Wrap(helper, s.opts.PerfPath, inv.Args)
		cmd.Dir = inv.Dir
	}

	// Hold the emitter until started is delivered so stderr from a fast
	// starting process cannot overtake it.
	s.emitMu.Lock()
	proc, err := s.tr.Spawn(cmd, transport.Streams{Stdout: out, Stderr: outputWriter{s}})
	if err != nil {
		s.emitMu.Unlock()
		_ = out.Close()
		if out.Written() == 0 {
			_ = os.Remove(out.Path())
		}
		s.reject(err)
		return err
	}

	s.mu.Lock()
	s.state = Recording
	s.proc = proc
	s.sink = out
	s.command = cmd
	s.startedAt = time.Now()
	s.mu.Unlock()

	metrics.SessionStarted()
	s.logger.Info("recording started",
		zap.String("command", cmd.Path),
		zap.Strings("args", cmd.Args),
		zap.Int("pid", proc.Pid()),
	)
	s.handler(Event{Kind: EventStarted, Command: cmd.Path, Args: cmd.Args})
	s.emitMu.Unlock()

	go s.wait(proc, out)
	return nil
}

// validate runs every check and returns all problems in one ValidationError.
func (s *Session) validate(ctx context.Context) (perfcmd.Invocation, string, error) {
	var problems error

	helper := ""
	if s.req.ElevatePrivileges {
		helper = sudoUtil(s.tr.Target())
		if helper == "" {
			problems = multierr.Append(problems, perfcmd.Invalid("Privilege elevation is not available."))
		}
	}

	inv, err := perfcmd.Build(ctx, s.tr, s.req.PerfOptions, s.req.Mode)
	if err != nil {
		var verr *perfcmd.ValidationError
		if !errors.As(err, &verr) {
			return perfcmd.Invocation{}, "", err
		}
		problems = multierr.Append(problems, verr)
	}

	if err := sink.ValidateDir(s.req.OutputPath); err != nil {
		problems = multierr.Append(problems, perfcmd.Invalid(err.Error()))
	}

	if problems == nil {
		return inv, helper, nil
	}

	var messages []string
	for _, p := range multierr.Errors(problems) {
		var verr *perfcmd.ValidationError
		if errors.As(p, &verr) {
			messages = append(messages, verr.Problems()...)
		}
	}
	return perfcmd.Invocation{}, "", perfcmd.Invalid(messages...)
}

// reject ends a session that never reached Recording.
func (s *Session) reject(err error) {
	event := Event{Kind: EventFailed, Message: err.Error()}
	var verr *perfcmd.ValidationError
	if errors.As(err, &verr) {
		event.Details = verr.Problems()
		if len(event.Details) > 0 {
			event.Message = event.Details[0]
		}
	}

	s.logger.Warn("recording rejected", zap.Error(err))
	metrics.ObserveRejected(s.targetLabel())
	s.journal(Entry{
		Command: s.opts.PerfPath,
		Outcome: EventFailed.String(),
		Message: event.Message,
	})

	s.setState(Failed)
	s.emitTerminal(event)
	close(s.done)
}

func (s *Session) wait(proc transport.Process, out *sink.Sink) {
	status := proc.Wait()
	close(s.exited)

	if err := out.Close(); err != nil {
		s.logger.Warn("closing output file failed", zap.Error(err))
	}
	exists, size := out.Stat()

	s.mu.Lock()
	userStop := s.userStop
	s.userStop = false
	startedAt := s.startedAt
	cmd := s.command
	s.mu.Unlock()

	outcome := Classify(status, userStop, exists, size)

	fields := []zap.Field{
		zap.Int("exit_code", status.Code),
		zap.Bool("user_stop", userStop),
		zap.Int64("size", size),
		zap.String("outcome", outcome.String()),
	}
	if status.Signaled() {
		fields = append(fields, zap.Stringer("signal", status.Signal))
	}
	if status.Err != nil {
		fields = append(fields, zap.Error(status.Err))
	}
	s.logger.Info("recording ended", fields...)

	var message string
	switch outcome {
	case OutcomeCrashed:
		s.setState(Finished)
		s.emit(Event{Kind: EventCrashed, ExitCode: status.Code})
		s.emitTerminal(Event{Kind: EventFinished, Path: s.req.OutputPath})
	case OutcomeFinished:
		s.setState(Finished)
		s.emitTerminal(Event{Kind: EventFinished, Path: s.req.OutputPath})
	default:
		message = s.failureMessage(status)
		s.setState(Failed)
		s.emitTerminal(Event{Kind: EventFailed, Message: message, ExitCode: status.Code})
	}

	metrics.ObserveSession(startedAt, s.targetLabel(), outcome.String(), out.Written())

	entry := Entry{
		Command:    cmd.Path,
		Args:       cmd.Args,
		Outcome:    outcome.String(),
		ExitCode:   status.Code,
		Size:       size,
		DurationMS: time.Since(startedAt).Milliseconds(),
		Message:    message,
	}
	if status.Signaled() {
		entry.Signal = status.Signal.String()
	}
	if exists && s.opts.Journal != nil {
		digest, err := hashOutput(out.Path())
		if err != nil {
			s.logger.Warn("hashing output failed", zap.Error(err))
		}
		entry.Digest = digest
	}
	s.journal(entry)

	close(s.done)
}

func (s *Session) failureMessage(status transport.ExitStatus) string {
	msg := fmt.Sprintf("record failed, code %d", status.Code)
	if desc := s.tr.Describe(status); desc != "" {
		msg += ": " + desc
	}
	return msg
}

func (s *Session) journal(e Entry) {
	if s.opts.Journal == nil {
		return
	}
	e.Target = s.tr.Target().String()
	e.Output = s.req.OutputPath
	if err := s.opts.Journal.Append(e); err != nil {
		s.logger.Warn("journal append failed", zap.Error(err))
	}
}

func (s *Session) targetLabel() string {
	if s.tr.Target().IsRemote() {
		return "remote"
	}
	return "local"
}

// Stop asks perf to finish. The output file is closed first, then perf gets
// SIGTERM and, if it has not exited within the stop timeout, SIGKILL. Stop
// returns once the terminal event has been delivered. Calling it again, or
// on a session that is not recording, has no effect.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case Recording:
	case Stopping:
		s.mu.Unlock()
		<-s.done
		return
	default:
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.userStop = true
	proc, out := s.proc, s.sink
	s.mu.Unlock()

	s.logger.Info("stopping recording")
	if err := out.Close(); err != nil {
		s.logger.Warn("closing output file failed", zap.Error(err))
	}
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("terminate failed", zap.Error(err))
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.exited:
		<-s.done
		return
	case <-timer.C:
	}

	s.logger.Warn("perf did not exit after SIGTERM, killing", zap.Duration("timeout", s.opts.StopTimeout))
	if err := proc.Kill(); err != nil {
		s.logger.Warn("kill failed", zap.Error(err))
	}
	<-s.done
}

// SendInput writes b to perf's standard input. Outside Recording it does
// nothing.
func (s *Session) SendInput(b []byte) {
	s.mu.Lock()
	if s.state != Recording {
		s.mu.Unlock()
		return
	}
	proc := s.proc
	s.mu.Unlock()

	if _, err := proc.Write(b); err != nil {
		s.logger.Warn("writing to perf stdin failed", zap.Error(err))
	}
}

func (s *Session) emit(e Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.terminal {
		return
	}
	s.handler(e)
}

func (s *Session) emitTerminal(e Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.terminal {
		return
	}
	s.terminal = true
	s.handler(e)
}

// outputWriter turns perf's standard error into output events.
type outputWriter struct {
	s *Session
}

func (w outputWriter) Write(p []byte) (int, error) {
	w.s.emit(Event{Kind: EventOutput, Text: string(p)})
	return len(p), nil
}

// Outcome classifies how a recording ended.
type Outcome int

const (
	OutcomeFinished Outcome = iota
	OutcomeCrashed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeCrashed:
		return "crashed"
	default:
		return "failed"
	}
}

// Classify decides the outcome of a recording. It succeeded when the output
// file exists and perf either exited cleanly, was stopped on request, or
// produced data. Data from an unrequested non-zero exit is still usable but
// counts as a crash.
func Classify(status transport.ExitStatus, userStop, exists bool, size int64) Outcome {
	if !exists {
		return OutcomeFailed
	}
	if !status.Clean() && !(status.Signaled() && userStop) && size <= 0 {
		return OutcomeFailed
	}
	if !status.Clean() && !userStop {
		return OutcomeCrashed
	}
	return OutcomeFinished
}
