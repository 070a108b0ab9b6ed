package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// tmpRegistry tracks temp files still in flight so a signal handler can
// remove them before exit.
var globalTmpRegistry = &tmpRegistry{}

type tmpRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func registerTmp(path string) {
	globalTmpRegistry.mu.Lock()
	defer globalTmpRegistry.mu.Unlock()
	if globalTmpRegistry.paths == nil {
		globalTmpRegistry.paths = make(map[string]struct{})
	}
	globalTmpRegistry.paths[path] = struct{}{}
}

func deregisterTmp(path string) {
	globalTmpRegistry.mu.Lock()
	defer globalTmpRegistry.mu.Unlock()
	delete(globalTmpRegistry.paths, path)
}

// CleanupTmpFiles removes all registered temporary files.
func CleanupTmpFiles() {
	globalTmpRegistry.mu.Lock()
	paths := make([]string, 0, len(globalTmpRegistry.paths))
	for p := range globalTmpRegistry.paths {
		paths = append(paths, p)
	}
	globalTmpRegistry.paths = nil
	globalTmpRegistry.mu.Unlock()

	for _, p := range paths {
		_ = os.RemoveAll(p)
	}
}

// TmpName returns the temp path used while producing final: a hidden
// sibling named .<name>.<uuid8>.backtrack-tmp.
func TmpName(final string) string {
	dir, name := filepath.Split(final)
	return filepath.Join(dir, "."+name+"."+uuid.NewString()[:8]+tmpSuffix)
}

// TempFile is a registered temp file that is either committed into place
// with Commit or removed with Discard.
type TempFile struct {
	*os.File
	final string
	fsync bool
	done  bool
}

// CreateTemp opens a temp file next to final.
func CreateTemp(final string, fsync bool) (*TempFile, error) {
	return createTemp(TmpName(final), final, fsync)
}

func createTemp(path, final string, fsync bool) (*TempFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir for %s: %w", final, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", final, err)
	}
	registerTmp(path)
	return &TempFile{File: f, final: final, fsync: fsync}, nil
}

// Commit closes the file and atomically renames it to its final path.
func (t *TempFile) Commit() error {
	if t.done {
		return errors.New("temp file already finished")
	}
	t.done = true
	defer deregisterTmp(t.Name())

	if t.fsync {
		if err := t.Sync(); err != nil {
			t.Close()
			os.Remove(t.Name())
			return fmt.Errorf("fsync %s: %w", t.Name(), err)
		}
	}
	if err := t.Close(); err != nil {
		os.Remove(t.Name())
		return fmt.Errorf("close %s: %w", t.Name(), err)
	}
	if err := os.Rename(t.Name(), t.final); err != nil {
		os.Remove(t.Name())
		return fmt.Errorf("rename into %s: %w", t.final, err)
	}
	return nil
}

// Discard closes and removes the file. Safe to call after Commit.
func (t *TempFile) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.Close()
	os.Remove(t.Name())
	deregisterTmp(t.Name())
}

// Final returns the path Commit renames to.
func (t *TempFile) Final() string { return t.final }

// removeStrayTmp deletes temp files left behind under root by an
// interrupted run.
func removeStrayTmp(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, tmpSuffix) {
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			n++
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	return n, err
}
