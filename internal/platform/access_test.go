package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestAccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission checks")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	data := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(data, []byte("x"), 0o400); err != nil {
		t.Fatalf("write data: %v", err)
	}

	tests := []struct {
		name string
		path string
		mode AccessMode
		want bool
	}{
		{"executable script", script, Execute, true},
		{"read only data is readable", data, Read, true},
		{"read only data is not writable", data, Write, false},
		{"plain file is not executable", data, Execute, false},
		{"directory is writable", dir, Write, true},
		{"missing path", filepath.Join(dir, "missing"), Read, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Access(tt.path, tt.mode); got != tt.want {
				t.Errorf("Access(%s, %d) = %v, want %v", tt.path, tt.mode, got, tt.want)
			}
		})
	}
}
