// Package progress keeps the one-line status of every traversal and
// transfer currently running, for display by the daemon.
package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// Line is one status line. Text is evaluated on every snapshot so
// transfer lines show live percentages.
type Line interface {
	Text() string
}

// Callback receives registry changes. It is called outside the registry lock.
type Callback func(update Update)

// Update describes a registry change
type Update struct {
	Type UpdateType
	Text string
	// Active is the number of registered lines after the change
	Active int
}

// UpdateType indicates the type of registry change
type UpdateType int

const (
	UpdateRegistered UpdateType = iota
	UpdateUnregistered
)

// Registry is the set of active status lines, in registration order.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	lines    []Line
	callback Callback
}

// NewRegistry creates a registry; callback may be nil
func NewRegistry(callback Callback) *Registry {
	return &Registry{callback: callback}
}

// Register adds line
func (r *Registry) Register(line Line) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	update := Update{Type: UpdateRegistered, Text: line.Text(), Active: len(r.lines)}
	callback := r.callback
	r.mu.Unlock()

	if callback != nil {
		callback(update)
	}
}

// Unregister removes line; unknown lines are ignored
func (r *Registry) Unregister(line Line) {
	r.mu.Lock()
	found := false
	for i, l := range r.lines {
		if l == line {
			r.lines = append(r.lines[:i], r.lines[i+1:]...)
			found = true
			break
		}
	}
	update := Update{Type: UpdateUnregistered, Text: line.Text(), Active: len(r.lines)}
	callback := r.callback
	r.mu.Unlock()

	if found && callback != nil {
		callback(update)
	}
}

// Lines returns the current text of every registered line
func (r *Registry) Lines() []string {
	r.mu.Lock()
	lines := make([]Line, len(r.lines))
	copy(lines, r.lines)
	r.mu.Unlock()

	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text()
	}
	return out
}

// Len returns the number of registered lines
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// ShortenPath keeps long paths readable in a single status line.
// Lengths count characters, not bytes.
func ShortenPath(p string) string {
	if utf8.RuneCountInString(p) > 35 {
		r := []rune(p)
		return "..." + string(r[len(r)-30:])
	}
	return p
}

// CheckingLine is shown while a directory is traversed
type CheckingLine struct {
	Dir string
}

func (c *CheckingLine) Text() string {
	return fmt.Sprintf("Checking [%s]", ShortenPath(c.Dir))
}

// Fraction reports completion in [0,1]
type Fraction interface {
	Progress() float64
}

// Direction labels a transfer line
type Direction string

const (
	Download Direction = "DL"
	Upload   Direction = "UP"
)

// TransferLine is shown while a file is transferred
type TransferLine struct {
	Direction Direction
	Path      string

	source atomic.Pointer[fractionBox]
}

type fractionBox struct{ f Fraction }

// NewTransferLine creates a line at 0% until Attach is called
func NewTransferLine(dir Direction, path string) *TransferLine {
	return &TransferLine{Direction: dir, Path: path}
}

// Attach binds the line to the transfer's progress source
func (t *TransferLine) Attach(f Fraction) {
	t.source.Store(&fractionBox{f: f})
}

func (t *TransferLine) Progress() float64 {
	if b := t.source.Load(); b != nil && b.f != nil {
		return b.f.Progress()
	}
	return 0
}

func (t *TransferLine) Text() string {
	return fmt.Sprintf("%s [%s] - %.2f%%", t.Direction, ShortenPath(t.Path), t.Progress()*100)
}

// ProgressWriter wraps an io.Writer to count written bytes
type ProgressWriter struct {
	writer      io.Writer
	transferred atomic.Int64
}

// NewProgressWriter creates a new progress-tracking writer
func NewProgressWriter(w io.Writer) *ProgressWriter {
	return &ProgressWriter{writer: w}
}

func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.transferred.Add(int64(n))
	return n, err
}

// Transferred returns the bytes written so far
func (pw *ProgressWriter) Transferred() int64 {
	return pw.transferred.Load()
}

// FormatBytes formats bytes into human-readable string
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
