//go:build windows

package platform

import (
	"path/filepath"
	"strings"
)

// LongPathname adds the extended length prefix so output files deep inside a
// project tree can still be created.
func LongPathname(path string) string {
	if len(path) < 2 || path[1] != ':' {
		return path
	}
	if filepath.IsAbs(path) && !strings.HasPrefix(path, `\\?\`) {
		return `\\?\` + filepath.Clean(path)
	}
	return path
}
