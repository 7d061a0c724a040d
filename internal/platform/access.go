// Package platform hides filesystem differences between operating systems.
package platform

// AccessMode is a set of permissions to test with Access.
type AccessMode int

const (
	Read AccessMode = 1 << iota
	Write
	Execute
)
