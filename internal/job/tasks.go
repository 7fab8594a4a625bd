package job

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"

	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/progress"
	"github.com/Ning0612/sftpsync/internal/remote"
)

type taskKind int

const (
	kindTraverseClone taskKind = iota
	kindTraverseUpload
	kindDownload
	kindUpload
)

func (k taskKind) String() string {
	switch k {
	case kindTraverseClone:
		return "traverse-clone"
	case kindTraverseUpload:
		return "traverse-upload"
	case kindDownload:
		return "download"
	case kindUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// task is one unit of work. Traversals enqueue children; transfers move
// a single file.
type task struct {
	kind       taskKind
	localPath  string
	remotePath string
	root       bool
}

func (j *Job) dispatch(t task) {
	var err error
	switch t.kind {
	case kindTraverseClone:
		err = j.traverseClone(t)
	case kindTraverseUpload:
		err = j.traverseUpload(t)
	case kindDownload:
		err = j.download(t)
	case kindUpload:
		err = j.upload(t)
	default:
		err = fmt.Errorf("unknown task kind %d", t.kind)
	}
	if err == nil {
		return
	}

	if domain.IsCancelled(err) || j.ctx.Err() != nil {
		j.log.Debug("Task interrupted", "task", t.kind.String(), "path", t.remotePath)
		return
	}

	j.failed.Add(1)
	j.log.Warn("Task failed", "task", t.kind.String(), "path", t.remotePath, "error", err)
	if t.root {
		j.rootErr.Store(&err)
	}
}

// traverseClone lists one remote directory, brings the matching local
// directory into shape and enqueues a task per child.
func (j *Job) traverseClone(t task) error {
	line := &progress.CheckingLine{Dir: t.remotePath}
	j.registry.Register(line)
	defer j.registry.Unregister(line)

	if err := j.ensureLocalDir(t.localPath); err != nil {
		return err
	}

	var entries []*remote.Entry
	err := j.withSession(func(s remote.Session) error {
		var err error
		entries, err = s.List(j.ctx, t.remotePath)
		return err
	})
	if err != nil {
		return err
	}

	if j.cfg.Direction == domain.DirectionMirror && len(entries) > 0 && entries[0].IsSelf() {
		j.pruneLocal(t.localPath, entries)
	}
	j.cleanStaleParts(t.localPath)

	for _, e := range entries {
		if e.IsSelf() || e.IsSymlink() || remote.IsPartName(e.Name) {
			continue
		}
		if !safeName(e.Name) {
			j.log.Warn("Skipping entry with unsafe name", "dir", t.remotePath, "name", e.Name)
			continue
		}
		child := task{
			localPath:  filepath.Join(t.localPath, e.Name),
			remotePath: path.Join(t.remotePath, e.Name),
		}
		switch {
		case e.IsDir():
			child.kind = kindTraverseClone
		case e.IsRegular():
			child.kind = kindDownload
		default:
			continue
		}
		j.submit(child)
	}
	return nil
}

// ensureLocalDir creates dir. A file in the way is replaced when the
// run mirrors, and is an error otherwise.
func (j *Job) ensureLocalDir(dir string) error {
	info, err := j.fs.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil && j.cfg.Direction == domain.DirectionMirror:
		if err := j.fs.Remove(dir); err != nil {
			return &domain.LocalError{Op: "remove", Path: dir, Err: err}
		}
		j.deleted.Add(1)
	case err == nil:
		return &domain.LocalError{Op: "mkdir", Path: dir, Err: domain.ErrNotDirectory}
	case !errors.Is(err, fs.ErrNotExist):
		return &domain.LocalError{Op: "stat", Path: dir, Err: err}
	}

	if err := j.fs.MkdirAll(dir, 0755); err != nil {
		return &domain.LocalError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// pruneLocal deletes local children of dir that the remote listing does
// not contain. Paths held by a running transfer are left alone.
func (j *Job) pruneLocal(dir string, entries []*remote.Entry) {
	remoteNames := mapset.NewThreadUnsafeSet[string]()
	for _, e := range entries {
		if !e.IsSelf() {
			remoteNames.Add(e.Name)
		}
	}

	infos, err := afero.ReadDir(j.fs, dir)
	if err != nil {
		j.log.Warn("Failed to read local directory", "path", dir, "error", err)
		return
	}

	for _, info := range infos {
		name := info.Name()
		if remoteNames.Contains(name) || remote.IsPartName(name) {
			continue
		}

		p := filepath.Join(dir, name)
		if !j.locks.TryLock(p) {
			continue
		}
		err := j.fs.RemoveAll(p)
		j.locks.Unlock(p)

		if err != nil {
			j.failed.Add(1)
			j.log.Warn("Failed to delete local entry", "path", p, "error", err)
			continue
		}
		j.deleted.Add(1)
		j.log.Info("Deleted", "path", p)
	}
}

// cleanStaleParts removes download staging files left behind by an
// earlier run. A staging file whose target is being written is kept.
func (j *Job) cleanStaleParts(dir string) {
	infos, err := afero.ReadDir(j.fs, dir)
	if err != nil {
		return
	}
	for _, info := range infos {
		if info.IsDir() || !remote.IsPartName(info.Name()) {
			continue
		}
		target := filepath.Join(dir, remote.PartTarget(info.Name()))
		if j.locks.IsLocked(target) {
			continue
		}
		if err := j.fs.Remove(filepath.Join(dir, info.Name())); err == nil {
			j.log.Debug("Removed stale staging file", "path", filepath.Join(dir, info.Name()))
		}
	}
}

// traverseUpload walks one local directory, creating its remote
// counterpart and enqueueing a task per child.
func (j *Job) traverseUpload(t task) error {
	line := &progress.CheckingLine{Dir: t.localPath}
	j.registry.Register(line)
	defer j.registry.Unregister(line)

	info, err := j.fs.Stat(t.localPath)
	if errors.Is(err, fs.ErrNotExist) {
		j.log.Debug("Local directory vanished", "path", t.localPath)
		return nil
	}
	if err != nil {
		return &domain.LocalError{Op: "stat", Path: t.localPath, Err: err}
	}
	if !info.IsDir() {
		return &domain.LocalError{Op: "traverse", Path: t.localPath, Err: domain.ErrNotDirectory}
	}

	if err := j.withSession(func(s remote.Session) error {
		return s.Mkdir(j.ctx, t.remotePath)
	}); err != nil {
		return err
	}

	infos, err := afero.ReadDir(j.fs, t.localPath)
	if err != nil {
		return &domain.LocalError{Op: "readdir", Path: t.localPath, Err: err}
	}

	for _, info := range infos {
		if remote.IsPartName(info.Name()) || info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		child := task{
			localPath:  filepath.Join(t.localPath, info.Name()),
			remotePath: path.Join(t.remotePath, info.Name()),
		}
		switch {
		case info.IsDir():
			child.kind = kindTraverseUpload
		case info.Mode().IsRegular():
			child.kind = kindUpload
		default:
			continue
		}
		j.submit(child)
	}
	return nil
}

// safeName rejects listing names that would resolve outside the
// directory being traversed
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.Contains(name, "/") && filepath.Base(name) == name
}

// stagingPath is where a download of local is written before it is
// renamed into place. It shares the naming of remote upload staging.
func stagingPath(local string) string {
	return filepath.Join(filepath.Dir(local), remote.PartPath(filepath.Base(local)))
}
