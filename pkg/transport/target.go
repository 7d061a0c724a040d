package transport

import "strings"

// Kind distinguishes where a command executes.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

// Target identifies the machine commands run on. It is a comparable value and
// is used as the memoization key for capability probes.
type Target struct {
	Kind     Kind
	Hostname string
	Username string
	// Options holds extra ssh options separated by spaces, e.g. "-p 2222".
	Options string
}

// Local returns the target for the current machine.
func Local() Target {
	return Target{Kind: KindLocal}
}

// Remote returns a target reached through ssh.
func Remote(hostname, username, options string) Target {
	return Target{
		Kind:     KindRemote,
		Hostname: strings.TrimSpace(hostname),
		Username: strings.TrimSpace(username),
		Options:  strings.TrimSpace(options),
	}
}

// IsRemote reports whether commands for t go through ssh.
func (t Target) IsRemote() bool {
	return t.Kind == KindRemote
}

// Destination returns the ssh host selector, user@host or host.
func (t Target) Destination() string {
	if t.Username == "" {
		return t.Hostname
	}
	return t.Username + "@" + t.Hostname
}

func (t Target) String() string {
	if !t.IsRemote() {
		return "local"
	}
	return t.Destination()
}
