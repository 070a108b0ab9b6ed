package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

// crashedSession leaves the repository as a backup interrupted between
// writing increments and advancing the mirror would: "a" has its increment
// and new content, "b" has a deletion increment but is still in the mirror,
// "c" was created, and "d" has an increment written but the mirror untouched.
func crashedSession(t *testing.T, root string) {
	t.Helper()
	s := openStore(t, root)

	ss, err := s.Begin(100, "test")
	require.NoError(t, err)
	require.NoError(t, ss.Record(rootRecord(100)))
	a := putFile(t, ss, nil, "a", "hello")
	require.NoError(t, ss.Record(a))
	b := putFile(t, ss, nil, "b", "world")
	require.NoError(t, ss.Record(b))
	d := putFile(t, ss, nil, "d", "dddd")
	require.NoError(t, ss.Record(d))
	require.NoError(t, ss.Commit(SessionCounts{}))

	ss, err = s.Begin(200, "test")
	require.NoError(t, err)
	putFile(t, ss, a, "a", "hello!")
	_, err = ss.WriteIncrement(b.Index, Header{Tag: TagDeletion, Prev: b.Since, Old: b}, mustOpen(t, filepath.Join(root, "b")))
	require.NoError(t, err)
	putFile(t, ss, nil, "c", "new")
	_, err = ss.WriteIncrement(d.Index, Header{Tag: TagMetadata, Prev: d.Since, Old: d}, nil)
	require.NoError(t, err)

	// A staged file that never got renamed.
	stray, err := ss.Stage(meta.ParseIndex("e"))
	require.NoError(t, err)
	_, err = stray.WriteString("partial")
	require.NoError(t, err)
	require.NoError(t, stray.Close())
	deregisterTmp(stray.Name())
	require.NoError(t, s.Close())
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRegressRestoresLastCommittedState(t *testing.T) {
	root := t.TempDir()
	crashedSession(t, root)

	s := openStore(t, root)
	require.True(t, s.NeedsRegress())
	_, err := s.Begin(300, "test")
	require.ErrorIs(t, err, ErrNeedsRegress)

	rep, err := s.Regress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), rep.Time)
	assert.Equal(t, int64(100), rep.Restored)
	assert.Equal(t, 2, rep.Undone, "a reverted and c removed")
	assert.Equal(t, 2, rep.Unchanged, "b and d were never advanced")
	assert.Equal(t, 2, rep.TmpRemoved, "staged file and unpublished metadata")

	assert.False(t, s.NeedsRegress())
	assert.Equal(t, int64(100), s.CurrentTime())

	for path, want := range map[string]string{"a": "hello", "b": "world", "d": "dddd"} {
		got, err := os.ReadFile(filepath.Join(root, path))
		require.NoError(t, err)
		assert.Equal(t, want, string(got), path)
	}
	assert.NoFileExists(t, filepath.Join(root, "c"))

	var left []Increment
	require.NoError(t, s.EachIncrement(func(inc Increment) error {
		left = append(left, inc)
		return nil
	}))
	assert.Empty(t, left)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{DataDir, "a", "b", "d"}, names)
}

func TestRegressIsIdempotent(t *testing.T) {
	root := t.TempDir()
	crashedSession(t, root)

	s := openStore(t, root)
	_, err := s.Regress(context.Background())
	require.NoError(t, err)

	rep, err := s.Regress(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Time)
	assert.Equal(t, int64(100), rep.Restored)

	ss, err := s.Begin(300, "test")
	require.NoError(t, err, "repository is usable after regress")
	ss.Abort()
}

func TestRegressDeniedForUpdateOnly(t *testing.T) {
	root := t.TempDir()
	crashedSession(t, root)

	s, err := Open(root, Options{Policy: &security.Policy{Mode: security.UpdateOnly}})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Regress(context.Background())
	var denied *security.DeniedError
	require.ErrorAs(t, err, &denied)
}

func TestReconstructDetectsChainGap(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root)

	ss, err := s.Begin(100, "test")
	require.NoError(t, err)
	require.NoError(t, ss.Record(rootRecord(100)))
	v1 := putFile(t, ss, nil, "f", "one")
	require.NoError(t, ss.Record(v1))
	require.NoError(t, ss.Commit(SessionCounts{}))

	ss, err = s.Begin(200, "test")
	require.NoError(t, err)
	require.NoError(t, ss.Record(rootRecord(100)))
	v2 := putFile(t, ss, v1, "f", "two")
	require.NoError(t, ss.Record(v2))
	require.NoError(t, ss.Commit(SessionCounts{}))

	ss, err = s.Begin(300, "test")
	require.NoError(t, err)
	require.NoError(t, ss.Record(rootRecord(100)))
	v3 := putFile(t, ss, v2, "f", "three")
	require.NoError(t, ss.Record(v3))
	require.NoError(t, ss.Commit(SessionCounts{}))

	got, ok := readVersion(t, s, "f", 100)
	require.True(t, ok)
	assert.Equal(t, "one", got)

	incs, err := s.Increments(meta.ParseIndex("f"))
	require.NoError(t, err)
	require.Len(t, incs, 2)
	require.NoError(t, os.Remove(incs[1].Path))
	s.invalidateDir(filepath.Dir(incs[1].Path))

	_, err = s.Reconstruct(context.Background(), meta.ParseIndex("f"), 100)
	require.ErrorIs(t, err, ErrChainGap)
	_, err = s.Reconstruct(context.Background(), meta.ParseIndex("f"), 250)
	require.ErrorIs(t, err, ErrChainGap)

	got, ok = readVersion(t, s, "f", 300)
	require.True(t, ok)
	assert.Equal(t, "three", got)
}

func TestFirstSessionReadsEmptyMirror(t *testing.T) {
	s := openStore(t, t.TempDir())

	ss, err := s.Begin(100, "test")
	require.NoError(t, err)
	require.True(t, ss.Initial())
	assert.True(t, s.Empty())
	assert.Zero(t, s.CurrentTime())

	recs, err := meta.Collect(must(s.MirrorRecords()))
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, ss.Record(rootRecord(100)))
	require.NoError(t, ss.Commit(SessionCounts{}))
	assert.False(t, s.NeedsRegress())
	assert.Equal(t, int64(100), s.CurrentTime())
}

func TestRegressUnfinishedFirstSession(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root)

	ss, err := s.Begin(100, "test")
	require.NoError(t, err)
	require.NoError(t, ss.Record(rootRecord(100)))
	a := putFile(t, ss, nil, "a", "hello")
	require.NoError(t, ss.Record(a))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir", "sub"), 0o755))
	stray, err := ss.Stage(meta.ParseIndex("b"))
	require.NoError(t, err)
	require.NoError(t, stray.Close())
	deregisterTmp(stray.Name())
	ss.Abort()
	require.NoError(t, s.Close())

	// Only the marker survives: no metadata was ever published.
	s = openStore(t, root)
	require.True(t, s.NeedsRegress())
	assert.True(t, s.Empty())
	_, err = s.Begin(200, "test")
	require.ErrorIs(t, err, ErrNeedsRegress)
	_, err = s.Reconstruct(context.Background(), meta.ParseIndex("a"), 100)
	require.ErrorIs(t, err, ErrNeedsRegress)

	rep, err := s.Regress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), rep.Time)
	assert.Zero(t, rep.Restored)
	assert.False(t, s.NeedsRegress())
	assert.True(t, s.Empty())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DataDir, entries[0].Name())
	assert.NoDirExists(t, filepath.Join(s.DataPath(), stagingName))

	rep, err = s.Regress(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Time)

	ss, err = s.Begin(200, "test")
	require.NoError(t, err)
	assert.True(t, ss.Initial(), "rolled-back first session leaves an empty repository")
	require.NoError(t, ss.Record(rootRecord(200)))
	require.NoError(t, ss.Commit(SessionCounts{}))
	assert.Equal(t, int64(200), s.FirstTime())
}

func TestFirstSessionRefusesPopulatedRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep"), []byte("x"), 0o644))
	s := openStore(t, root)

	_, err := s.Begin(100, "test")
	require.ErrorIs(t, err, ErrMirrorNotEmpty)
	assert.False(t, s.NeedsRegress())
	assert.FileExists(t, filepath.Join(root, "keep"))
}
