// Package pidfile keeps a single scribe-core running per cache directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by New when a live process owns the file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is a pid file owned by this process.
type PIDFile struct {
	path string
	pid  int
}

// New claims path for the current process. A file left behind by a dead
// process is replaced.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if pid, running := Running(path); running {
		return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	} else if pid != 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	current := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(current)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &PIDFile{path: path, pid: current}, nil
}

// Path returns the file path.
func (p *PIDFile) Path() string { return p.path }

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, err := Read(p.path); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// Running reports the PID stored at path and whether that process is
// alive. It returns 0, false when there is no readable file.
func Running(path string) (int, bool) {
	pid, err := Read(path)
	if err != nil {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		// exists, owned by someone else
		return true
	}
	return false
}

// PathFor returns <dir>/<appName>.pid.
func PathFor(dir, appName string) string {
	return filepath.Join(dir, appName+".pid")
}
