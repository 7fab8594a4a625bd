package testutil

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sync"
	"syscall"
	"testing"

	"github.com/pkg/sftp"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/remote"
)

// SFTPServer is an in-memory SFTP server. Each Dial opens a new pipe
// connection onto the same filesystem.
type SFTPServer struct {
	t        testing.TB
	handlers sftp.Handlers
	admin    *sftp.Client

	mu     sync.Mutex
	refuse int
	dials  int
	open   []io.Closer
}

// NewSFTPServer starts a server; it is torn down with the test
func NewSFTPServer(t testing.TB) *SFTPServer {
	t.Helper()

	s := &SFTPServer{t: t, handlers: sftp.InMemHandler()}
	admin, closer, err := s.connect()
	if err != nil {
		t.Fatalf("failed to connect admin client: %v", err)
	}
	s.admin = admin
	s.open = append(s.open, closer)

	t.Cleanup(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.admin.Close()
		for _, c := range s.open {
			c.Close()
		}
	})
	return s
}

func (s *SFTPServer) connect() (*sftp.Client, io.Closer, error) {
	serverConn, clientConn := net.Pipe()
	srv := sftp.NewRequestServer(serverConn, s.handlers)
	go srv.Serve()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		srv.Close()
		return nil, nil, err
	}
	return client, srv, nil
}

// Dialer returns a DialFunc opening sessions for cfg
func (s *SFTPServer) Dialer(cfg domain.ServerConfig) remote.DialFunc {
	return func(ctx context.Context) (remote.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.dials++
		if s.refuse > 0 {
			s.refuse--
			s.mu.Unlock()
			return nil, &domain.ConnectivityError{Addr: cfg.Addr(), Err: syscall.ECONNREFUSED}
		}
		s.mu.Unlock()

		client, closer, err := s.connect()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.open = append(s.open, closer)
		s.mu.Unlock()
		return remote.NewSession(cfg, client, nil, closer), nil
	}
}

// RefuseNext makes the next n dials fail with connection refused
func (s *SFTPServer) RefuseNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = n
}

// Dials returns the number of dial attempts so far, refused ones included
func (s *SFTPServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// WriteFile stores content at p, creating parent directories
func (s *SFTPServer) WriteFile(p string, content []byte) {
	s.t.Helper()

	s.Mkdir(path.Dir(p))
	f, err := s.admin.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		s.t.Fatalf("failed to create remote %s: %v", p, err)
	}
	if _, err := f.Write(content); err != nil {
		s.t.Fatalf("failed to write remote %s: %v", p, err)
	}
	if err := f.Close(); err != nil {
		s.t.Fatalf("failed to close remote %s: %v", p, err)
	}
}

// Mkdir creates p and its parents
func (s *SFTPServer) Mkdir(p string) {
	s.t.Helper()

	if err := s.admin.MkdirAll(p); err != nil {
		s.t.Fatalf("failed to create remote dir %s: %v", p, err)
	}
}

// ReadFile returns the content at p
func (s *SFTPServer) ReadFile(p string) []byte {
	s.t.Helper()

	f, err := s.admin.Open(p)
	if err != nil {
		s.t.Fatalf("failed to open remote %s: %v", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.t.Fatalf("failed to read remote %s: %v", p, err)
	}
	return data
}

// Exists reports whether anything exists at p
func (s *SFTPServer) Exists(p string) bool {
	_, err := s.admin.Lstat(p)
	return !errors.Is(err, fs.ErrNotExist)
}

// Remove deletes the file at p
func (s *SFTPServer) Remove(p string) {
	s.t.Helper()

	if err := s.admin.Remove(p); err != nil {
		s.t.Fatalf("failed to remove remote %s: %v", p, err)
	}
}
