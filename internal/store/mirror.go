package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

// Stage opens a temp file for idx's new content. Staged files live in the
// data directory's staging area, so workers never touch the mirror tree;
// InstallFile renames them into place. Stage is safe for concurrent use.
func (ss *Session) Stage(idx meta.Index) (*TempFile, error) {
	path := ss.s.MirrorPath(idx)
	if err := ss.s.opts.Policy.Check(security.OpWrite, path); err != nil {
		return nil, err
	}
	staging := filepath.Join(ss.s.data, stagingName)
	return createTemp(filepath.Join(staging, filepath.Base(TmpName(path))), path, ss.s.opts.Fsync)
}

// InstallFile moves staged content into the mirror as rec, replacing old.
func (ss *Session) InstallFile(old, rec *meta.Record, tf *TempFile) error {
	install := func() error {
		if err := tf.Commit(); err != nil {
			return err
		}
		ss.s.stampMirror(rec)
		return nil
	}
	if old.IsDir() {
		ss.deferReplace(old, install, tf.Discard)
		return nil
	}
	return install()
}

// InstallLink makes rec's mirror path a hard link to leader's mirror file.
func (ss *Session) InstallLink(old, rec *meta.Record, leader meta.Index) error {
	path := ss.s.MirrorPath(rec.Index)
	if err := ss.s.opts.Policy.Check(security.OpWrite, path); err != nil {
		return err
	}
	install := func() error {
		tmp := TmpName(path)
		if err := os.Link(ss.s.MirrorPath(leader), tmp); err != nil {
			return fmt.Errorf("link to %s: %w", leader, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("rename link: %w", err)
		}
		return nil
	}
	if old.IsDir() {
		ss.deferReplace(old, install, nil)
		return nil
	}
	return install()
}

// InstallSpecial creates a directory, symlink, fifo, device or socket for
// rec, replacing old.
func (ss *Session) InstallSpecial(old, rec *meta.Record) error {
	path := ss.s.MirrorPath(rec.Index)
	if err := ss.s.opts.Policy.Check(security.OpWrite, path); err != nil {
		return err
	}
	if rec.IsDir() {
		if !old.IsDir() {
			if err := ensureDir(path); err != nil {
				return err
			}
		}
		ss.dirs = append(ss.dirs, rec)
		return chmodMirror(path, rec)
	}

	install := func() error {
		if err := replaceWithNode(path, rec); err != nil {
			return err
		}
		ss.s.stampMirror(rec)
		return nil
	}
	if old.IsDir() {
		ss.deferReplace(old, install, nil)
		return nil
	}
	return install()
}

// UpdateAttrs applies rec's permissions and times to the existing mirror
// object.
func (ss *Session) UpdateAttrs(rec *meta.Record) error {
	path := ss.s.MirrorPath(rec.Index)
	if err := ss.s.opts.Policy.Check(security.OpWrite, path); err != nil {
		return err
	}
	if rec.IsDir() {
		ss.dirs = append(ss.dirs, rec)
		return chmodMirror(path, rec)
	}
	ss.s.stampMirror(rec)
	return nil
}

// Remove deletes old from the mirror. Directories are removed at commit,
// after their contents have been recorded.
func (ss *Session) Remove(old *meta.Record) error {
	path := ss.s.MirrorPath(old.Index)
	if err := ss.s.opts.Policy.Check(security.OpWrite, path); err != nil {
		return err
	}
	if old.IsDir() {
		ss.deferred = append(ss.deferred, func() error { return removeAll(path) })
		return nil
	}
	return removeNonDir(path)
}

// deferReplace postpones replacing a directory with a non-directory until
// the directory's children have been handled.
func (ss *Session) deferReplace(old *meta.Record, install func() error, cancel func()) {
	path := ss.s.MirrorPath(old.Index)
	ss.deferred = append(ss.deferred, func() error {
		if err := removeAll(path); err != nil {
			if cancel != nil {
				cancel()
			}
			return err
		}
		return install()
	})
}

// stampMirror applies mode and mtime to a non-directory mirror object.
// Mirror files always stay owner-readable and writable; the exact bits live
// in the metadata.
func (s *Store) stampMirror(rec *meta.Record) {
	path := s.MirrorPath(rec.Index)
	if rec.Kind != meta.KindSymlink {
		if err := chmodMirror(path, rec); err != nil {
			slog.Debug("chmod mirror", "path", rec.Index.String(), "error", err)
		}
		mt := rec.ModTime()
		if err := os.Chtimes(path, mt, mt); err != nil {
			slog.Debug("chtimes mirror", "path", rec.Index.String(), "error", err)
		}
	}
	if os.Geteuid() == 0 {
		_ = os.Lchown(path, int(rec.UID), int(rec.GID))
	}
}

func (s *Store) stampDir(rec *meta.Record) {
	path := s.MirrorPath(rec.Index)
	mt := rec.ModTime()
	if err := os.Chtimes(path, mt, mt); err != nil {
		slog.Debug("chtimes mirror dir", "path", rec.Index.String(), "error", err)
	}
}

func chmodMirror(path string, rec *meta.Record) error {
	mode := rec.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	if rec.IsDir() {
		mode |= 0o700
	} else {
		mode |= 0o600
	}
	return os.Chmod(path, mode)
}

// replaceWithNode atomically puts a symlink, fifo, device or socket at path.
func replaceWithNode(path string, rec *meta.Record) error {
	tmp := TmpName(path)
	if err := MakeNode(tmp, rec); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename node: %w", err)
	}
	return nil
}

// MakeNode creates the non-regular, non-directory object described by rec
// at path.
func MakeNode(path string, rec *meta.Record) error {
	perm := uint32(rec.Mode().Perm())
	switch rec.Kind {
	case meta.KindSymlink:
		return os.Symlink(rec.LinkTarget, path)
	case meta.KindFifo:
		return unix.Mkfifo(path, perm)
	case meta.KindSocket:
		return unix.Mknod(path, unix.S_IFSOCK|perm, 0)
	case meta.KindDevice:
		typ := uint32(unix.S_IFBLK)
		if rec.DevChar {
			typ = unix.S_IFCHR
		}
		dev := unix.Mkdev(rec.DevMajor, rec.DevMinor)
		return unix.Mknod(path, typ|perm, int(dev)) //nolint:gosec // G115: mknod takes int dev
	}
	return fmt.Errorf("cannot create %s node", rec.Kind)
}

// ensureDir leaves an existing directory at path alone and replaces
// anything else with an empty one.
func ensureDir(path string) error {
	if fi, err := os.Lstat(path); err == nil && fi.IsDir() {
		return nil
	}
	if err := removeNonDir(path); err != nil {
		return err
	}
	if err := os.Mkdir(path, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("mkdir: %w", err)
	}
	return nil
}

func removeNonDir(path string) error {
	err := os.Remove(path)
	if err == nil || isAbsent(err) {
		return nil
	}
	return fmt.Errorf("remove %s: %w", path, err)
}

func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// isAbsent reports whether err means the path does not exist, including
// lookups through a parent that is not a directory.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
