// Package remote talks to SFTP servers: sessions, the per-run
// connection pool and remote entries.
package remote

import (
	"context"
	"io"
	"sync"
)

// Session is one live connection to a server's remote root. A Session is
// used by a single task at a time; the Pool hands it out and takes it back.
type Session interface {
	// Root is the remote directory the session was opened for
	Root() string

	// List returns the entries of dir. The first entry is the directory
	// itself (IsSelf) named after dir; ".." is never returned.
	// A missing directory yields an empty list.
	List(ctx context.Context, dir string) ([]*Entry, error)

	// Entry returns the entry at p, or nil when nothing exists there
	Entry(ctx context.Context, p string) (*Entry, error)

	Mkdir(ctx context.Context, p string) error
	Remove(ctx context.Context, p string) error
	Rename(ctx context.Context, oldPath, newPath string) error

	// Open streams the content of e; reads advance e.Progress()
	Open(ctx context.Context, e *Entry) (io.ReadCloser, error)

	// Upload starts writing src to remotePath in the background
	Upload(ctx context.Context, remotePath string, src io.Reader, size int64) *Transfer

	// Digest returns the content hash of p. found is false when p does not exist.
	Digest(ctx context.Context, p string) (hash string, found bool, err error)

	// Probe checks that the connection still answers
	Probe(ctx context.Context) error

	Close() error
}

// Transfer is an upload in flight. Done is closed when it finished,
// successfully or not.
type Transfer struct {
	entry *Entry
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func newTransfer(e *Entry) *Transfer {
	return &Transfer{entry: e, done: make(chan struct{})}
}

// Entry describes the destination; its Progress follows the upload
func (t *Transfer) Entry() *Entry {
	return t.entry
}

func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Err returns the outcome once Done is closed
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.entry.unbind()
	close(t.done)
}
