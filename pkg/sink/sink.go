// Package sink owns the file a recording is streamed into.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/saworbit/perfrecord/internal/platform"
)

// DirError reports an unusable output directory. The message is meant to be
// shown to users as is.
type DirError struct {
	Dir    string
	Reason string
}

func (e *DirError) Error() string {
	return e.Reason
}

// ValidateDir checks that the directory containing path exists, is a
// directory and is writable, in that order.
func ValidateDir(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return &DirError{Dir: dir, Reason: fmt.Sprintf("Folder '%s' does not exist.", dir)}
	}
	if !info.IsDir() {
		return &DirError{Dir: dir, Reason: fmt.Sprintf("'%s' is not a folder.", dir)}
	}
	if !platform.Access(dir, platform.Write) {
		return &DirError{Dir: dir, Reason: fmt.Sprintf("Folder '%s' is not writable.", dir)}
	}
	return nil
}

// Sink receives the profiler's standard output. Writes after Close are
// dropped, since a stopping session closes the sink before the profiler has
// exited.
type Sink struct {
	path string

	mu      sync.Mutex
	file    *os.File
	written int64
	closed  bool
	err     error
}

// Open truncates or creates the file at path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(platform.LongPathname(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &Sink{path: path, file: f}, nil
}

// Path returns the destination file name.
func (s *Sink) Path() string {
	return s.path
}

// Write appends p verbatim.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return len(p), nil
	}
	if s.err != nil {
		return 0, s.err
	}

	n, err := s.file.Write(p)
	s.written += int64(n)
	if err != nil {
		s.err = fmt.Errorf("write output file: %w", err)
		return n, s.err
	}
	return n, nil
}

// Written returns the number of bytes appended so far.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes and closes the file. Only the first call has an effect.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if closeErr != nil {
		return fmt.Errorf("close output file: %w", closeErr)
	}
	if syncErr != nil && !errors.Is(syncErr, os.ErrInvalid) {
		return fmt.Errorf("sync output file: %w", syncErr)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stat reports whether the output file still exists and its size on disk.
func (s *Sink) Stat() (exists bool, size int64) {
	info, err := os.Stat(platform.LongPathname(s.path))
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}
