package recorder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/saworbit/perfrecord/internal/transporttest"
	"github.com/saworbit/perfrecord/pkg/perfcmd"
	"github.com/saworbit/perfrecord/pkg/transport"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) kinds() []EventKind {
	var kinds []EventKind
	for _, e := range c.all() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (c *collector) last() Event {
	events := c.all()
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

func newFixture(t *testing.T, target transport.Target) (*transporttest.Fake, *collector, *Controller, string) {
	t.Helper()
	tr := transporttest.New(target)
	tr.SetPath("/bin/true", transport.IsRegular, transport.IsExecutable)
	events := &collector{}
	c := NewController(tr, Options{Handler: events.handle, StopTimeout: time.Second})
	return tr, events, c, filepath.Join(t.TempDir(), "perf.data")
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("session did not end: %v", err)
	}
}

func expectKinds(t *testing.T, events *collector, want ...EventKind) {
	t.Helper()
	if got := events.kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestLaunchCleanExitFinishes(t *testing.T) {
	tr, events, _, out := newFixture(t, transport.Local())
	tr.Script = func(p *transporttest.Process) {
		p.Stdout([]byte("PERFILE2 samples"))
		p.Exit(transport.ExitStatus{})
	}

	// The file must be complete by the time finished is delivered.
	var sizeAtFinish int64 = -1
	c := NewController(tr, Options{Handler: func(e Event) {
		if e.Kind == EventFinished {
			if info, err := os.Stat(e.Path); err == nil {
				sizeAtFinish = info.Size()
			}
		}
		events.handle(e)
	}})

	s, err := c.Record(context.Background(), Request{
		PerfOptions: []string{"--call-graph", "dwarf"},
		OutputPath:  out,
		Mode:        perfcmd.Launch{Executable: "/bin/true"},
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	waitDone(t, s)

	expectKinds(t, events, EventStarted, EventFinished)
	started := events.all()[0]
	wantArgs := []string{"record", "-o", "-", "--call-graph", "dwarf", "/bin/true"}
	if started.Command != "perf" || !reflect.DeepEqual(started.Args, wantArgs) {
		t.Errorf("started = %q %q, want perf %q", started.Command, started.Args, wantArgs)
	}
	if got := events.last().Path; got != out {
		t.Errorf("finished path = %q, want %q", got, out)
	}
	if s.State() != Finished || c.State() != Idle {
		t.Errorf("states = %v / %v, want finished / idle", s.State(), c.State())
	}
	if sizeAtFinish != int64(len("PERFILE2 samples")) {
		t.Errorf("output size when finished fired = %d, want %d", sizeAtFinish, len("PERFILE2 samples"))
	}
}

func TestMissingExecutableFailsWithoutSpawn(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())

	s, err := c.Record(context.Background(), Request{
		OutputPath: out,
		Mode:       perfcmd.Launch{Executable: "/nope"},
	})
	var verr *perfcmd.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Record() error = %v, want *ValidationError", err)
	}
	waitDone(t, s)

	expectKinds(t, events, EventFailed)
	failed := events.last()
	if failed.Message != "File '/nope' does not exist." {
		t.Errorf("message = %q", failed.Message)
	}
	if len(failed.Details) != 3 {
		t.Errorf("details = %q, want three problems", failed.Details)
	}
	if len(tr.Spawned()) != 0 {
		t.Error("process spawned despite validation failure")
	}
	if s.State() != Failed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestValidationCollectsTargetAndFolderProblems(t *testing.T) {
	_, events, c, _ := newFixture(t, transport.Local())
	missingDir := filepath.Join(t.TempDir(), "gone")

	s, _ := c.Record(context.Background(), Request{
		OutputPath: filepath.Join(missingDir, "perf.data"),
		Mode:       perfcmd.Attach{},
	})
	waitDone(t, s)

	want := []string{"No process to record.", "Folder '" + missingDir + "' does not exist."}
	if got := events.last().Details; !reflect.DeepEqual(got, want) {
		t.Errorf("details = %q, want %q", got, want)
	}
	if got := events.last().Message; got != want[0] {
		t.Errorf("message = %q, want %q", got, want[0])
	}
}

func TestEmptyPIDSetFails(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())

	s, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.Attach{}})
	if err == nil {
		t.Fatal("Record() expected error")
	}
	waitDone(t, s)

	expectKinds(t, events, EventFailed)
	if got := events.last().Message; got != "No process to record." {
		t.Errorf("message = %q", got)
	}
	if len(tr.Spawned()) != 0 {
		t.Error("process spawned for empty pid set")
	}
}

func TestRemoteElevationIsRejected(t *testing.T) {
	_, events, c, out := newFixture(t, transport.Remote("box", "me", ""))

	s, _ := c.Record(context.Background(), Request{
		OutputPath:        out,
		ElevatePrivileges: true,
		Mode:              perfcmd.SystemWide{},
	})
	waitDone(t, s)

	expectKinds(t, events, EventFailed)
	if got := events.last().Message; got != "Privilege elevation is not available." {
		t.Errorf("message = %q", got)
	}
}

func TestCrashWithDataEmitsCrashedThenFinished(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())
	payload := bytes.Repeat([]byte{0x5a}, 4096)
	tr.Script = func(p *transporttest.Process) {
		p.Stdout(payload)
		p.Exit(transport.ExitStatus{Code: 128 + int(syscall.SIGSEGV), Signal: syscall.SIGSEGV})
	}

	s, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	waitDone(t, s)

	expectKinds(t, events, EventStarted, EventCrashed, EventFinished)
	if got := events.all()[1].ExitCode; got != 139 {
		t.Errorf("crashed exit code = %d, want 139", got)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("output has %d bytes, want %d", len(data), len(payload))
	}
}

func TestRemoteConnectionFailure(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Remote("box", "me", ""))
	tr.DescribeFunc = func(status transport.ExitStatus) string {
		if status.Code == transport.ExitConnectionFailed {
			return "connection to me@box failed"
		}
		return ""
	}
	tr.Script = func(p *transporttest.Process) {
		p.Stderr([]byte("ssh: connect to host box port 22: Connection refused\n"))
		p.Exit(transport.ExitStatus{Code: 255})
	}

	s, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	waitDone(t, s)

	expectKinds(t, events, EventStarted, EventOutput, EventFailed)
	failed := events.last()
	if failed.Message != "record failed, code 255: connection to me@box failed" {
		t.Errorf("message = %q", failed.Message)
	}
	if failed.ExitCode != 255 {
		t.Errorf("exit code = %d, want 255", failed.ExitCode)
	}
}

func TestOutputEventsFollowStarted(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())
	tr.Script = func(p *transporttest.Process) {
		p.Stderr([]byte("[ perf record: Woken up 1 times to write data ]\n"))
		p.Stdout([]byte("PERFILE2"))
		p.Stderr([]byte("[ perf record: Captured and wrote 0.01 MB (null) ]\n"))
		p.Exit(transport.ExitStatus{})
	}

	s, _ := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.Attach{PIDs: []int{1}}})
	waitDone(t, s)

	expectKinds(t, events, EventStarted, EventOutput, EventOutput, EventFinished)
	if got := events.all()[1].Text; got != "[ perf record: Woken up 1 times to write data ]\n" {
		t.Errorf("first output = %q", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())

	s, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if c.State() != Recording {
		t.Fatalf("state = %v, want recording", c.State())
	}

	c.Stop()
	c.Stop()
	s.Stop()

	expectKinds(t, events, EventStarted, EventFinished)
	terminate, kill := tr.LastProcess().Terminations()
	if terminate != 1 || kill != 0 {
		t.Errorf("terminate/kill = %d/%d, want 1/0", terminate, kill)
	}
}

func TestStopKillsAfterTimeout(t *testing.T) {
	tr := transporttest.New(transport.Local())
	events := &collector{}
	c := NewController(tr, Options{Handler: events.handle, StopTimeout: 20 * time.Millisecond})
	out := filepath.Join(t.TempDir(), "perf.data")

	if _, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	proc := tr.LastProcess()
	proc.IgnoreTerminate = true

	c.Stop()

	terminate, kill := proc.Terminations()
	if terminate != 1 || kill != 1 {
		t.Errorf("terminate/kill = %d/%d, want 1/1", terminate, kill)
	}
	expectKinds(t, events, EventStarted, EventFinished)
}

func TestStopIsBoundedWhenPerfForks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	perf := filepath.Join(dir, "perf")
	// Ignores SIGTERM and keeps a child holding the output pipes.
	if err := os.WriteFile(perf, []byte("#!/bin/sh\ntrap '' TERM\nsleep 30 &\nwait\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	events := &collector{}
	c := NewController(transport.New(transport.Local(), transport.Options{}), Options{
		PerfPath:    perf,
		StopTimeout: 100 * time.Millisecond,
		Handler:     events.handle,
	})
	if _, err := c.Record(context.Background(), Request{
		OutputPath: filepath.Join(dir, "perf.data"),
		Mode:       perfcmd.SystemWide{},
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Stop() took %s with a 100ms stop timeout", elapsed)
	}
	expectKinds(t, events, EventStarted, EventFinished)
}

func TestStopDoesNotKillWhileJournaling(t *testing.T) {
	orig := hashOutput
	t.Cleanup(func() { hashOutput = orig })
	hashOutput = func(path string) (string, error) {
		time.Sleep(300 * time.Millisecond)
		return orig(path)
	}

	j := newTestJournal(t)
	tr := transporttest.New(transport.Local())
	c := NewController(tr, Options{Journal: j, StopTimeout: 50 * time.Millisecond})
	out := filepath.Join(t.TempDir(), "perf.data")

	if _, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	proc := tr.LastProcess()
	c.Stop()

	if terminate, kill := proc.Terminations(); terminate != 1 || kill != 0 {
		t.Errorf("terminate/kill = %d/%d, want 1/0", terminate, kill)
	}
	entries, err := j.List(0)
	if err != nil || len(entries) != 1 || entries[0].Digest == "" {
		t.Errorf("journal = %+v, %v; want one hashed entry", entries, err)
	}
}

func TestHandlerCanStopAsynchronously(t *testing.T) {
	tr := transporttest.New(transport.Local())
	events := &collector{}
	var c *Controller
	var once sync.Once
	c = NewController(tr, Options{Handler: func(e Event) {
		events.handle(e)
		if e.Kind == EventOutput {
			once.Do(func() { go c.Stop() })
		}
	}})
	tr.Script = func(p *transporttest.Process) {
		p.Stderr([]byte("Enter password: "))
	}

	s, err := c.Record(context.Background(), Request{
		OutputPath: filepath.Join(t.TempDir(), "perf.data"),
		Mode:       perfcmd.SystemWide{},
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	waitDone(t, s)

	expectKinds(t, events, EventStarted, EventOutput, EventFinished)
}

func TestSendInputOnlyWhileRecording(t *testing.T) {
	tr, _, c, out := newFixture(t, transport.Local())

	c.SendInput([]byte("ignored\n"))

	s, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	proc := tr.LastProcess()
	c.SendInput([]byte("hunter2\n"))
	s.Stop()
	c.SendInput([]byte("late\n"))

	if got := proc.Stdin(); got != "hunter2\n" {
		t.Errorf("stdin = %q, want %q", got, "hunter2\n")
	}
}

func TestRecordStopsPreviousSession(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())

	first, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	if err != nil {
		t.Fatalf("first Record() error = %v", err)
	}
	firstProc := tr.LastProcess()

	second, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	if err != nil {
		t.Fatalf("second Record() error = %v", err)
	}

	if first.State() != Finished {
		t.Errorf("first session state = %v, want finished", first.State())
	}
	if terminate, _ := firstProc.Terminations(); terminate != 1 {
		t.Errorf("first process terminated %d times, want 1", terminate)
	}
	if c.Session() != second || c.State() != Recording {
		t.Errorf("controller does not track the new session")
	}

	second.Stop()
	expectKinds(t, events, EventStarted, EventFinished, EventStarted, EventFinished)
}

func TestSpawnFailureRemovesEmptyOutput(t *testing.T) {
	tr, events, c, out := newFixture(t, transport.Local())
	tr.SpawnErr = errors.New("executable file not found in $PATH")

	s, err := c.Record(context.Background(), Request{OutputPath: out, Mode: perfcmd.SystemWide{}})
	var spawnErr *transport.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Record() error = %v, want *SpawnError", err)
	}
	waitDone(t, s)

	expectKinds(t, events, EventFailed)
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output file left behind: %v", err)
	}
}

func TestElevatedCommandIsWrapped(t *testing.T) {
	orig := sudoUtil
	t.Cleanup(func() { sudoUtil = orig })
	sudoUtil = func(transport.Target) string { return "/usr/bin/sudo" }

	tr, events, c, out := newFixture(t, transport.Local())
	s, err := c.Record(context.Background(), Request{
		OutputPath:        out,
		ElevatePrivileges: true,
		Mode:              perfcmd.SystemWide{},
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	s.Stop()

	spawned := tr.Spawned()
	if len(spawned) != 1 || spawned[0].Path != "/usr/bin/sudo" {
		t.Fatalf("spawned = %+v", spawned)
	}
	want := []string{"-S", "perf", "record", "-o", "-", "--all-cpus"}
	if !reflect.DeepEqual(spawned[0].Args, want) {
		t.Errorf("args = %q, want %q", spawned[0].Args, want)
	}
	if got := events.all()[0].Command; got != "/usr/bin/sudo" {
		t.Errorf("started command = %q", got)
	}
}

func TestClassify(t *testing.T) {
	sigterm := transport.ExitStatus{Code: 143, Signal: syscall.SIGTERM}
	sigsegv := transport.ExitStatus{Code: 139, Signal: syscall.SIGSEGV}

	tests := []struct {
		name     string
		status   transport.ExitStatus
		userStop bool
		exists   bool
		size     int64
		want     Outcome
	}{
		{"clean exit empty file", transport.ExitStatus{}, false, true, 0, OutcomeFinished},
		{"user stop by signal", sigterm, true, true, 0, OutcomeFinished},
		{"user stop with error code and data", transport.ExitStatus{Code: 1}, true, true, 10, OutcomeFinished},
		{"crash with data", sigsegv, false, true, 4096, OutcomeCrashed},
		{"error code with data", transport.ExitStatus{Code: 2}, false, true, 1, OutcomeCrashed},
		{"unrequested signal without data", sigterm, false, true, 0, OutcomeFailed},
		{"connection failure", transport.ExitStatus{Code: 255}, false, true, 0, OutcomeFailed},
		{"file removed", transport.ExitStatus{}, false, false, 0, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.userStop, tt.exists, tt.size); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
