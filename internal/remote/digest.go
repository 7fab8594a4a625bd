package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/Ning0612/sftpsync/internal/core/checksum"
)

// errExecUnavailable means the server will not run commands for us
var errExecUnavailable = errors.New("remote exec unavailable")

// Digest runs md5sum (or sha256sum) on the server. Accounts restricted to
// SFTP fall back to streaming the file and hashing it locally.
func (s *SFTPSession) Digest(ctx context.Context, p string) (string, bool, error) {
	if s.sshClient != nil && !s.execRefused.Load() {
		sum, found, err := s.execDigest(ctx, p)
		if !errors.Is(err, errExecUnavailable) {
			return sum, found, err
		}
		s.execRefused.Store(true)
		s.log.Info("Remote hashing unavailable, streaming files to hash them", "error", err)
	}
	return s.streamDigest(ctx, p)
}

func (s *SFTPSession) execDigest(ctx context.Context, p string) (string, bool, error) {
	session, err := s.sshClient.NewSession()
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return "", false, fmt.Errorf("%w: %v", errExecUnavailable, err)
		}
		return "", false, protocolError("digest", p, err)
	}
	defer session.Close()

	cmd := s.cfg.HashAlgorithm.RemoteCommand() + " " + shellQuote(p)

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", false, ctx.Err()
	case r := <-done:
		return s.parseDigest(p, r.out, r.err)
	}
}

// parseDigest reads "<hex>  <name>" as printed by coreutils
func (s *SFTPSession) parseDigest(p string, out []byte, runErr error) (string, bool, error) {
	text := string(out)

	if runErr != nil {
		status, exited := exitStatus(runErr)
		if exited && status != 0 && strings.Contains(text, "No such file or directory") {
			return "", false, nil
		}
		if exited && status == 127 {
			return "", false, fmt.Errorf("%w: %s not installed", errExecUnavailable, s.cfg.HashAlgorithm.RemoteCommand())
		}
		var missing *ssh.ExitMissingError
		if errors.As(runErr, &missing) || strings.Contains(strings.ToLower(text), "sftp connections only") {
			return "", false, fmt.Errorf("%w: %v", errExecUnavailable, runErr)
		}
		return "", false, protocolError("digest", p, fmt.Errorf("%w: %s", runErr, strings.TrimSpace(text)))
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false, protocolError("digest", p, errors.New("empty digest output"))
	}

	// coreutils prefixes the line with a backslash when the name needed escaping
	sum := strings.ToLower(strings.TrimPrefix(fields[0], "\\"))
	if !checksum.IsHexDigest(sum, s.cfg.HashAlgorithm) {
		return "", false, protocolError("digest", p, fmt.Errorf("unexpected digest output %q", strings.TrimSpace(text)))
	}
	return sum, true, nil
}

// exitStatus returns the exit code of a remote command that ran to
// completion, as reported by *ssh.ExitError
func exitStatus(err error) (int, bool) {
	var exitErr interface{ ExitStatus() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), true
	}
	return 0, false
}

func (s *SFTPSession) streamDigest(ctx context.Context, p string) (string, bool, error) {
	f, err := s.client.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, protocolError("digest", p, err)
	}
	defer f.Close()

	sum, err := s.calc.Calculate(ctx, f, s.cfg.HashAlgorithm)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, protocolError("digest", p, err)
	}
	return sum, true, nil
}

// shellQuote quotes a string for safe use in a POSIX shell command
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
