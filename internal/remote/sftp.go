package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Ning0612/sftpsync/internal/core/checksum"
	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/logger"
)

// DialTimeout bounds the TCP connect and the SSH handshake
const DialTimeout = 15 * time.Second

// partSuffix marks uploads that have not been renamed into place yet
const partSuffix = ".sftpsync.part"

// SFTPSession is a Session over one SSH connection. sshClient is nil for
// sessions built on a bare SFTP stream, which then hash by streaming.
type SFTPSession struct {
	cfg       domain.ServerConfig
	client    *sftp.Client
	sshClient *ssh.Client
	closers   []io.Closer
	calc      *checksum.Calculator
	clock     clockwork.Clock
	log       logger.Logger

	execRefused atomic.Bool
	closeOnce   sync.Once
}

var _ Session = (*SFTPSession)(nil)

// Dial opens an SSH connection to cfg's server and starts the SFTP
// subsystem. Unreachable servers yield a *domain.ConnectivityError.
func Dial(ctx context.Context, cfg domain.ServerConfig) (*SFTPSession, error) {
	cfg = cfg.WithDefaults()

	authMethods, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: server %s has neither password nor key", domain.ErrConfigInvalid, cfg.Alias)
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         DialTimeout,
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyDialError(addr, err)
	}

	// the handshake has no context of its own
	_ = conn.SetDeadline(time.Now().Add(DialTimeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if !stop() || err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyDialError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, classifyDialError(addr, fmt.Errorf("failed to start sftp subsystem: %w", err))
	}

	return NewSession(cfg, client, sshClient), nil
}

// NewSession wraps an established SFTP client. closers are closed after
// the clients when the session closes.
func NewSession(cfg domain.ServerConfig, client *sftp.Client, sshClient *ssh.Client, closers ...io.Closer) *SFTPSession {
	cfg = cfg.WithDefaults()
	return &SFTPSession{
		cfg:       cfg,
		client:    client,
		sshClient: sshClient,
		closers:   closers,
		calc:      checksum.NewDefaultCalculator(),
		clock:     clockwork.NewRealClock(),
		log:       logger.With("server", cfg.Alias),
	}
}

// WithClock sets the clock stamping entries of uploads in flight
func (s *SFTPSession) WithClock(clock clockwork.Clock) *SFTPSession {
	s.clock = clock
	return s
}

func (s *SFTPSession) Root() string {
	return path.Clean(s.cfg.RemoteDir)
}

func (s *SFTPSession) List(ctx context.Context, dir string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := s.client.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, protocolError("stat", dir, err)
	}
	if !fi.IsDir() {
		return nil, protocolError("list", dir, domain.ErrNotDirectory)
	}

	self := newEntry(s, path.Dir(dir), fi)
	self.Name = path.Base(dir)
	self.self = true

	infos, err := s.client.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, protocolError("list", dir, err)
	}

	entries := make([]*Entry, 0, len(infos)+1)
	entries = append(entries, self)
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		entries = append(entries, newEntry(s, dir, info))
	}
	return entries, nil
}

func (s *SFTPSession) Entry(ctx context.Context, p string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := s.client.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, protocolError("stat", p, err)
	}

	e := newEntry(s, path.Dir(p), fi)
	e.Name = path.Base(p)
	return e, nil
}

// Mkdir creates p; an existing directory is not an error
func (s *SFTPSession) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.client.Mkdir(p); err != nil {
		if fi, serr := s.client.Stat(p); serr == nil && fi.IsDir() {
			return nil
		}
		return protocolError("mkdir", p, err)
	}
	return nil
}

// Remove deletes a file or an empty directory; a missing path is not an error
func (s *SFTPSession) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.client.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return protocolError("remove", p, err)
	}
	return nil
}

// Rename moves oldPath over newPath. Servers without the posix-rename
// extension get a remove of the target followed by a plain rename.
func (s *SFTPSession) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.client.PosixRename(oldPath, newPath); err == nil {
		return nil
	}

	if err := s.client.Remove(newPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return protocolError("rename", newPath, err)
	}
	if err := s.client.Rename(oldPath, newPath); err != nil {
		return protocolError("rename", oldPath, err)
	}
	return nil
}

func (s *SFTPSession) Open(ctx context.Context, e *Entry) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.client.Open(e.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, e.Path())
		}
		return nil, protocolError("open", e.Path(), err)
	}

	e.bind()
	return &boundReadCloser{
		countingReader: countingReader{ctx: ctx, r: f, entry: e},
		closer:         f,
	}, nil
}

// Upload writes src next to remotePath under a hidden part name and
// renames it into place once complete. A failed or cancelled upload
// removes the part file.
func (s *SFTPSession) Upload(ctx context.Context, remotePath string, src io.Reader, size int64) *Transfer {
	e := &Entry{
		Name:    path.Base(remotePath),
		Dir:     path.Dir(remotePath),
		mode:    0644,
		size:    size,
		mtime:   s.clock.Now(),
		session: s,
	}
	e.atime = e.mtime
	e.bind()

	t := newTransfer(e)
	go func() {
		t.finish(s.upload(ctx, remotePath, &countingReader{ctx: ctx, r: src, entry: e}))
	}()
	return t
}

func (s *SFTPSession) upload(ctx context.Context, remotePath string, src io.Reader) error {
	part := PartPath(remotePath)

	f, err := s.client.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return protocolError("create", part, err)
	}

	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.Rename(ctx, part, remotePath)
	}
	if err != nil {
		_ = s.client.Remove(part)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: upload %s: %v", domain.ErrCancelled, remotePath, ctx.Err())
		}
		return protocolError("upload", remotePath, err)
	}
	return nil
}

// Probe stats the remote root
func (s *SFTPSession) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.Stat(s.Root())
	return err
}

func (s *SFTPSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
		if s.sshClient != nil {
			if cerr := s.sshClient.Close(); err == nil {
				err = cerr
			}
		}
		for _, c := range s.closers {
			c.Close()
		}
	})
	return err
}

// PartPath is where an upload to p is staged
func PartPath(p string) string {
	return path.Join(path.Dir(p), "."+path.Base(p)+partSuffix)
}

// IsPartName reports whether name is an upload staging file
func IsPartName(name string) bool {
	return len(name) > len(partSuffix)+1 && name[0] == '.' && name[len(name)-len(partSuffix):] == partSuffix
}

// PartTarget returns the name a staging file will be renamed to
func PartTarget(name string) string {
	if !IsPartName(name) {
		return name
	}
	return name[1 : len(name)-len(partSuffix)]
}

func buildAuthMethods(cfg domain.ServerConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && cfg.Password != "" {
			// encrypted keys reuse the configured password as passphrase
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(cfg.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	return methods, nil
}

func buildHostKeyCallback(cfg domain.ServerConfig) (ssh.HostKeyCallback, error) {
	log := logger.With("server", cfg.Alias)

	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", cfg.KnownHostsFile, err)
		}
		return callback, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		defaultKnownHosts := filepath.Join(home, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			log.Warn("Could not parse known_hosts file", "path", defaultKnownHosts, "error", err)
		}
	}

	log.Warn("No known_hosts file found; host key verification disabled", "addr", cfg.Addr())
	return ssh.InsecureIgnoreHostKey(), nil
}
