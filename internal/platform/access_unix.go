//go:build unix

package platform

import "golang.org/x/sys/unix"

// Access reports whether the current user may access path with mode, using
// access(2) so that ACLs and supplementary groups are honoured.
func Access(path string, mode AccessMode) bool {
	var bits uint32
	if mode&Read != 0 {
		bits |= unix.R_OK
	}
	if mode&Write != 0 {
		bits |= unix.W_OK
	}
	if mode&Execute != 0 {
		bits |= unix.X_OK
	}
	return unix.Access(path, bits) == nil
}
