package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/store"
	"github.com/bamsammich/backtrack/internal/transport"
)

// entry describes one path of a test tree: a regular file with Content by
// default, or a directory, a symlink, or a hard link to an entry that sorts
// before it.
type entry struct {
	Content    string
	Dir        bool
	Symlink    string
	HardlinkTo string
}

// writeTree replaces the contents of root with files, stamping every object
// with mtime so sessions built within the same second still differ.
func writeTree(t *testing.T, root string, files map[string]entry, mtime int64) {
	t.Helper()
	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, os.MkdirAll(root, 0o755))

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	mt := time.Unix(mtime, 0)
	var dirs []string
	for _, p := range paths {
		e := files[p]
		abs := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		switch {
		case e.Dir:
			require.NoError(t, os.MkdirAll(abs, 0o755))
		case e.Symlink != "":
			require.NoError(t, os.Symlink(e.Symlink, abs))
		case e.HardlinkTo != "":
			require.NoError(t, os.Link(filepath.Join(root, filepath.FromSlash(e.HardlinkTo)), abs))
		default:
			require.NoError(t, os.WriteFile(abs, []byte(e.Content), 0o644))
			require.NoError(t, os.Chtimes(abs, mt, mt))
		}
	}

	// Directory times last, deepest first.
	require.NoError(t, filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, path)
		}
		return err
	}))
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		require.NoError(t, os.Chtimes(d, mt, mt))
	}
}

// backupAt runs a backup of src into mirror as the session at time t.
func backupAt(t *testing.T, src, mirror string, at int64) engine.BackupSummary {
	t.Helper()
	source, err := transport.NewLocalSource(src)
	require.NoError(t, err)
	sum, err := engine.RunBackup(context.Background(), engine.BackupConfig{
		Source:  source,
		Mirror:  mirror,
		Time:    at,
		Workers: 4,
		TempDir: t.TempDir(),
		Events:  drainEvents(t),
	})
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	return sum
}

// restoreAt restores the whole repository as of at into a fresh directory
// and returns it.
func restoreAt(t *testing.T, mirror string, at int64) string {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "restore")
	sum, err := engine.RunRestore(context.Background(), engine.RestoreConfig{
		Mirror:  mirror,
		Dest:    dest,
		Time:    at,
		Workers: 4,
		TempDir: t.TempDir(),
		Events:  drainEvents(t),
	})
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	return dest
}

// readTree returns the regular files and symlinks under root keyed by slash
// path. Symlinks are rendered as "-> target".
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == store.DataDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			require.NoError(t, err)
			out[rel] = "-> " + target
			return nil
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

// expectTree renders files the way readTree does.
func expectTree(files map[string]entry) map[string]string {
	out := make(map[string]string)
	for p, e := range files {
		switch {
		case e.Dir:
		case e.Symlink != "":
			out[p] = "-> " + e.Symlink
		case e.HardlinkTo != "":
			out[p] = files[e.HardlinkTo].Content
		default:
			out[p] = e.Content
		}
	}
	return out
}

// drainEvents creates a buffered event channel, spawns a goroutine to drain
// it, and registers cleanup.
func drainEvents(t *testing.T) chan<- event.Event {
	t.Helper()
	ch := make(chan event.Event, 1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		//nolint:revive // empty-block: intentionally draining event channel
		for range ch {
		}
	}()
	t.Cleanup(func() {
		close(ch)
		<-done
	})
	return ch
}

// collectEvents records every event sent on the returned channel. The
// getter closes the channel and may be called once.
func collectEvents(t *testing.T) (chan<- event.Event, func() []event.Event) {
	t.Helper()
	ch := make(chan event.Event, 4096)
	var collected []event.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			collected = append(collected, ev)
		}
	}()
	var once sync.Once
	drain := func() {
		once.Do(func() { close(ch) })
		<-done
	}
	t.Cleanup(drain)
	return ch, func() []event.Event {
		drain()
		return collected
	}
}

// findTmpFiles returns any .backtrack-tmp files found under root.
func findTmpFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(d.Name(), ".backtrack-tmp") {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func sameInode(t *testing.T, a, b string) bool {
	t.Helper()
	fa, err := os.Stat(a)
	require.NoError(t, err)
	fb, err := os.Stat(b)
	require.NoError(t, err)
	return os.SameFile(fa, fb)
}
