//go:build !unix

package platform

import "os"

// Access approximates access(2) from the permission bits on platforms without
// it. Ownership is not taken into account.
func Access(path string, mode AccessMode) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	perms := info.Mode().Perm()
	if mode&Read != 0 && perms&0o444 == 0 {
		return false
	}
	if mode&Write != 0 && perms&0o222 == 0 {
		return false
	}
	if mode&Execute != 0 && !info.IsDir() && perms&0o111 == 0 {
		return false
	}
	return true
}
