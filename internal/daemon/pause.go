package daemon

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// PauseRequest hands the duration of a requested pause to the daemon,
// which only receives a bare signal. It lives next to the pid file.
type PauseRequest struct {
	path string
}

// NewPauseRequest returns the request file belonging to pidPath
func NewPauseRequest(pidPath string) *PauseRequest {
	return &PauseRequest{path: pidPath + ".pause"}
}

// Path returns the request file location
func (r *PauseRequest) Path() string {
	return r.path
}

// Write records d for the next pause signal. d <= 0 clears any earlier
// request so the pause lasts until resumed.
func (r *PauseRequest) Write(d time.Duration) error {
	if d <= 0 {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear pause request: %w", err)
		}
		return nil
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(d.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write pause request: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write pause request: %w", err)
	}
	return nil
}

// Take reads and removes the request. A missing file means an open-ended
// pause and yields 0.
func (r *PauseRequest) Take() (time.Duration, error) {
	content, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pause request: %w", err)
	}
	os.Remove(r.path)

	text := strings.TrimSpace(string(content))
	d, err := time.ParseDuration(text)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid pause duration in %s: %q", r.path, text)
	}
	return d, nil
}
