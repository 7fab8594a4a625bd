// Package daemon guards a single daemon instance per data directory and
// lets other invocations find and signal it.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

var (
	// ErrAlreadyRunning indicates another daemon holds the instance lock
	ErrAlreadyRunning = errors.New("daemon is already running")

	// ErrNotRunning indicates no daemon holds the instance lock
	ErrNotRunning = errors.New("daemon is not running")
)

// PIDFile records the daemon process ID next to an advisory lock file.
// The lock, not the pid, decides whether a daemon is alive, so a stale
// pid file left by a crash never blocks a restart.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// NewPIDFile creates a new PID file manager
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the pid file location
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire takes the instance lock and writes the current process ID
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", p.lock.Path(), err)
	}
	if !locked {
		if pid, err := p.Read(); err == nil {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return ErrAlreadyRunning
	}

	tmp := p.path + ".tmp"
	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		p.lock.Unlock()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		p.lock.Unlock()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release removes the PID file and drops the lock. It is a no-op when
// this process does not hold the lock.
func (p *PIDFile) Release() error {
	if !p.lock.Locked() {
		return nil
	}

	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	if err := p.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", p.lock.Path(), err)
	}
	os.Remove(p.lock.Path())
	return nil
}

// Read reads the PID from the PID file
func (p *PIDFile) Read() (int, error) {
	content, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("PID file does not exist: %s", p.path)
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}

	return pid, nil
}

// IsRunning reports whether some process holds the instance lock
func (p *PIDFile) IsRunning() (bool, error) {
	if p.lock.Locked() {
		return true, nil
	}
	if _, err := os.Stat(p.lock.Path()); os.IsNotExist(err) {
		return false, nil
	}

	probe := flock.New(p.lock.Path())
	locked, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", probe.Path(), err)
	}
	if locked {
		probe.Unlock()
		return false, nil
	}
	return true, nil
}

// Signal delivers sig to the running daemon
func (p *PIDFile) Signal(sig os.Signal) error {
	pid, err := p.runningPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// Kill asks the running daemon to shut down
func (p *PIDFile) Kill() error {
	pid, err := p.runningPID()
	if err != nil {
		return err
	}
	return killProcess(pid)
}

func (p *PIDFile) runningPID() (int, error) {
	running, err := p.IsRunning()
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, ErrNotRunning
	}
	return p.Read()
}
