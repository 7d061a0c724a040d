package recorder

import (
	"github.com/saworbit/perfrecord/pkg/perfcmd"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Validating
	Starting
	Recording
	Stopping
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

// EventKind identifies a notification delivered to a Handler.
type EventKind int

const (
	EventStarted EventKind = iota
	EventOutput
	EventFinished
	EventFailed
	EventCrashed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventOutput:
		return "output"
	case EventFinished:
		return "finished"
	case EventFailed:
		return "failed"
	case EventCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Event is a session notification. Which fields are set depends on Kind:
// Command and Args for started, Text for output, Path for finished, Message
// and Details for failed, ExitCode for crashed and failed.
type Event struct {
	Kind     EventKind
	Command  string
	Args     []string
	Text     string
	Path     string
	Message  string
	Details  []string
	ExitCode int
}

// Handler receives events of a session in order. It is called from the
// goroutine that produced the event and must not block for long.
//
// Output events are delivered from the goroutine draining perf's standard
// error, and the session cannot end until that goroutine returns. A handler
// must therefore not call Stop or Record synchronously; use go c.Stop()
// instead.
type Handler func(Event)

// Request describes a recording.
type Request struct {
	PerfOptions       []string
	OutputPath        string
	ElevatePrivileges bool
	Mode              perfcmd.Mode
}
