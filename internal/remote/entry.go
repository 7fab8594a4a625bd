package remote

import (
	"context"
	"io"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
)

// Entry is one remote filesystem object as seen by the last listing.
// It is never cached across runs.
type Entry struct {
	Name string
	// Dir is the remote directory holding the entry
	Dir string

	mode  os.FileMode
	size  int64
	mtime time.Time
	atime time.Time

	// self marks the entry describing the listed directory itself
	self bool

	session Session
	moved   atomic.Int64
	active  atomic.Bool
}

func newEntry(s Session, dir string, fi os.FileInfo) *Entry {
	e := &Entry{
		Name:    fi.Name(),
		Dir:     dir,
		mode:    fi.Mode(),
		size:    fi.Size(),
		mtime:   fi.ModTime(),
		atime:   fi.ModTime(),
		session: s,
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok && st.Atime != 0 {
		e.atime = time.Unix(int64(st.Atime), 0)
	}
	return e
}

// Path returns the full remote path
func (e *Entry) Path() string {
	return path.Join(e.Dir, e.Name)
}

func (e *Entry) IsDir() bool           { return e.mode.IsDir() }
func (e *Entry) IsSymlink() bool       { return e.mode&os.ModeSymlink != 0 }
func (e *Entry) IsRegular() bool       { return e.mode.IsRegular() }
func (e *Entry) IsSelf() bool          { return e.self }
func (e *Entry) Size() int64           { return e.size }
func (e *Entry) Mode() os.FileMode     { return e.mode }
func (e *Entry) ModTime() time.Time    { return e.mtime }
func (e *Entry) AccessTime() time.Time { return e.atime }

// ContentHash asks the server for the digest of the entry.
// found is false when the file vanished in the meantime.
func (e *Entry) ContentHash(ctx context.Context) (hash string, found bool, err error) {
	return e.session.Digest(ctx, e.Path())
}

// Progress is the fraction of the entry moved by the stream currently
// bound to it, or 0 when no stream is active.
func (e *Entry) Progress() float64 {
	if !e.active.Load() {
		return 0
	}
	if e.size <= 0 {
		return 0
	}
	p := float64(e.moved.Load()) / float64(e.size)
	if p > 1 {
		p = 1
	}
	return p
}

// Moved returns the raw byte count of the bound stream
func (e *Entry) Moved() int64 {
	return e.moved.Load()
}

func (e *Entry) bind() {
	e.moved.Store(0)
	e.active.Store(true)
}

func (e *Entry) unbind() {
	e.active.Store(false)
}

// countingReader feeds the bytes it reads into an entry's progress and
// stops as soon as ctx is done.
type countingReader struct {
	ctx   context.Context
	r     io.Reader
	entry *Entry
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.entry.moved.Add(int64(n))
	return n, err
}

// boundReadCloser unbinds the entry on Close
type boundReadCloser struct {
	countingReader
	closer io.Closer
}

func (b *boundReadCloser) Close() error {
	b.entry.unbind()
	return b.closer.Close()
}
