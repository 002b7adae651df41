// Package daemon tracks background watch processes through pid files and
// answers process liveness questions for stale-lock sweeps.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// PIDFile manages a pid file for one background process. Ownership is an
// exclusive lock on a sibling ".lock" file held for the life of the owner;
// the pid file itself only tells other processes whom to signal.
type PIDFile struct {
	Path string
	lock *flock.Flock
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// WatchPIDPath returns the pid file used by the watch loop of a session, or
// of the repository when sessionID is empty.
func WatchPIDPath(stateDir, sessionID string) string {
	name := "watch.pid"
	if sessionID != "" {
		name = "watch-" + sessionID + ".pid"
	}
	return filepath.Join(stateDir, "run", name)
}

// Write writes the current process's pid.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes pid, creating the parent directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the pid from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// LockPath returns the lock file guarding the pid file.
func (p *PIDFile) LockPath() string { return p.Path + ".lock" }

// Acquire takes the exclusive lock without blocking and writes the current
// pid. It fails when another process holds the lock.
func (p *PIDFile) Acquire() error {
	if p.lock != nil && p.lock.Locked() {
		return p.Write()
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}
	lock := flock.New(p.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", p.LockPath(), err)
	}
	if !locked {
		if pid, running := p.IsRunning(); running {
			return fmt.Errorf("already running with pid %d (%s)", pid, p.Path)
		}
		return fmt.Errorf("already running (lock %s held by another process)", p.LockPath())
	}
	if err := p.Write(); err != nil {
		_ = lock.Unlock()
		return err
	}
	p.lock = lock
	return nil
}

// Remove deletes the pid file and releases the lock if this PIDFile holds
// it. A missing file is not an error.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.Path)
	if p.lock != nil {
		_ = p.lock.Unlock()
		p.lock = nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsRunning reports the recorded pid and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, ProcessAlive(pid)
}
