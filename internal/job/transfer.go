package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/progress"
	"github.com/Ning0612/sftpsync/internal/remote"
)

// download brings one remote file to the local tree unless the local
// copy already has the same content.
func (j *Job) download(t task) error {
	return j.withSession(func(s remote.Session) error {
		e, err := s.Entry(j.ctx, t.remotePath)
		if err != nil {
			return err
		}
		if e == nil || !e.IsRegular() {
			j.log.Debug("Remote file vanished", "path", t.remotePath)
			return nil
		}

		same, err := j.localMatches(e, t.localPath)
		if err != nil {
			return err
		}
		if same {
			j.skipped.Add(1)
			return nil
		}

		if !j.locks.TryLock(t.localPath) {
			j.log.Debug("Path busy, skipping", "path", t.localPath)
			j.skipped.Add(1)
			return nil
		}
		defer j.locks.Unlock(t.localPath)

		return j.fetch(s, e, t.localPath)
	})
}

// localMatches compares the local file with e: sizes first, digests
// only when the sizes agree.
func (j *Job) localMatches(e *remote.Entry, local string) (bool, error) {
	info, err := j.fs.Stat(local)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &domain.LocalError{Op: "stat", Path: local, Err: err}
	}

	if info.IsDir() {
		if j.cfg.Direction != domain.DirectionMirror {
			return false, &domain.LocalError{Op: "download", Path: local, Err: errors.New("directory in the way")}
		}
		if err := j.fs.RemoveAll(local); err != nil {
			return false, &domain.LocalError{Op: "remove", Path: local, Err: err}
		}
		j.deleted.Add(1)
		return false, nil
	}
	if info.Size() != e.Size() {
		return false, nil
	}

	localSum, found, err := j.calc.File(j.ctx, j.fs, local, j.cfg.HashAlgorithm)
	if err != nil || !found {
		return false, err
	}
	remoteSum, found, err := e.ContentHash(j.ctx)
	if err != nil {
		return false, err
	}
	if !found {
		// Gone remotely, nothing to fetch
		return true, nil
	}
	return strings.EqualFold(localSum, remoteSum), nil
}

// fetch streams e into a staging file and renames it over local
func (j *Job) fetch(s remote.Session, e *remote.Entry, local string) error {
	line := progress.NewTransferLine(progress.Download, e.Path())
	line.Attach(e)
	j.registry.Register(line)
	defer j.registry.Unregister(line)

	if err := j.fs.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return &domain.LocalError{Op: "mkdir", Path: filepath.Dir(local), Err: err}
	}

	rc, err := s.Open(j.ctx, e)
	if errors.Is(err, domain.ErrNotFound) {
		j.log.Debug("Remote file vanished", "path", e.Path())
		return nil
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	staging := stagingPath(local)
	f, err := j.fs.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &domain.LocalError{Op: "create", Path: staging, Err: err}
	}

	pw := progress.NewProgressWriter(f)
	_, err = io.Copy(pw, rc)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = j.fs.Remove(staging)
		if j.ctx.Err() != nil {
			return fmt.Errorf("%w: download %s", domain.ErrCancelled, e.Path())
		}
		return &domain.ProtocolError{Op: "download", Path: e.Path(), Err: err}
	}

	if err := j.replace(staging, local); err != nil {
		_ = j.fs.Remove(staging)
		return &domain.LocalError{Op: "rename", Path: local, Err: err}
	}
	if err := j.fs.Chtimes(local, e.AccessTime(), e.ModTime()); err != nil {
		j.log.Debug("Failed to set file times", "path", local, "error", err)
	}

	j.downloaded.Add(1)
	j.bytes.Add(pw.Transferred())
	j.log.Info("Downloaded", "path", e.Path(), "size", progress.FormatBytes(pw.Transferred()))
	return nil
}

// replace renames staging over target. Filesystems that refuse to
// overwrite get the target removed first.
func (j *Job) replace(staging, target string) error {
	if err := j.fs.Rename(staging, target); err == nil {
		return nil
	}
	if err := j.fs.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return j.fs.Rename(staging, target)
}

// upload sends one local file to the server unless the remote copy
// already has the same content.
func (j *Job) upload(t task) error {
	info, err := j.fs.Stat(t.localPath)
	if errors.Is(err, fs.ErrNotExist) {
		j.log.Debug("Local file vanished", "path", t.localPath)
		return nil
	}
	if err != nil {
		return &domain.LocalError{Op: "stat", Path: t.localPath, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	return j.withSession(func(s remote.Session) error {
		e, err := s.Entry(j.ctx, t.remotePath)
		if err != nil {
			return err
		}
		if e != nil && e.IsDir() {
			j.log.Warn("Remote directory in the way, skipping", "path", t.remotePath)
			j.skipped.Add(1)
			return nil
		}
		if e != nil && e.IsRegular() && e.Size() == info.Size() {
			same, err := j.remoteMatches(e, t.localPath)
			if err != nil {
				return err
			}
			if same {
				j.skipped.Add(1)
				return nil
			}
		}

		if !j.locks.TryLock(t.localPath) {
			j.log.Debug("Path busy, skipping", "path", t.localPath)
			j.skipped.Add(1)
			return nil
		}
		defer j.locks.Unlock(t.localPath)

		if e != nil {
			if err := s.Remove(j.ctx, t.remotePath); err != nil {
				return err
			}
		}
		return j.push(s, t.localPath, t.remotePath, info.Size())
	})
}

func (j *Job) remoteMatches(e *remote.Entry, local string) (bool, error) {
	remoteSum, found, err := e.ContentHash(j.ctx)
	if err != nil || !found {
		return false, err
	}
	localSum, found, err := j.calc.File(j.ctx, j.fs, local, j.cfg.HashAlgorithm)
	if err != nil || !found {
		return false, err
	}
	return strings.EqualFold(localSum, remoteSum), nil
}

// push streams local to remotePath and watches the transfer. An upload
// that moves no bytes for StallChecks consecutive checks is aborted and
// its session dropped.
func (j *Job) push(s remote.Session, local, remotePath string, size int64) error {
	f, err := j.fs.Open(local)
	if err != nil {
		return &domain.LocalError{Op: "open", Path: local, Err: err}
	}
	defer f.Close()

	line := progress.NewTransferLine(progress.Upload, remotePath)
	j.registry.Register(line)
	defer j.registry.Unregister(line)

	uctx, cancel := context.WithCancel(j.ctx)
	defer cancel()

	tr := s.Upload(uctx, remotePath, f, size)
	line.Attach(tr.Entry())

	ticker := j.clock.NewTicker(j.opts.StallCheckInterval)
	defer ticker.Stop()

	last, still := tr.Entry().Moved(), 0
	for {
		select {
		case <-tr.Done():
			if err := tr.Err(); err != nil {
				return err
			}
			moved := tr.Entry().Moved()
			j.uploaded.Add(1)
			j.bytes.Add(moved)
			j.log.Info("Uploaded", "path", remotePath, "size", progress.FormatBytes(moved))
			return nil

		case <-ticker.Chan():
			moved := tr.Entry().Moved()
			if moved != last {
				last, still = moved, 0
				continue
			}
			still++
			if still < j.opts.StallChecks {
				continue
			}

			j.log.Warn("Upload stalled, aborting", "path", remotePath,
				"sent", progress.FormatBytes(moved), "checks", still)
			cancel()
			j.pool.Discard(s)
			<-tr.Done()
			return &domain.ProtocolError{Op: "upload", Path: remotePath, Err: domain.ErrStalled}
		}
	}
}
