package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/store"
)

// threeSessions builds a repository where "a" changes in every session.
func threeSessions(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	mirror := filepath.Join(dir, "mirror")
	for i, content := range []string{"one", "one two", "one two three"} {
		at := int64(1000 * (i + 1))
		writeTree(t, src, map[string]entry{
			"a":     {Content: content},
			"fixed": {Content: "never changes"},
		}, at)
		backupAt(t, src, mirror, at)
	}
	return mirror
}

func verify(t *testing.T, mirror string, full bool) engine.VerifyReport {
	t.Helper()
	rep, err := engine.RunVerify(context.Background(), engine.VerifyConfig{
		Mirror:  mirror,
		Full:    full,
		Workers: 2,
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)
	return rep
}

func TestVerify_CleanRepository(t *testing.T) {
	mirror := threeSessions(t)

	rep := verify(t, mirror, true)
	assert.True(t, rep.OK(), "problems: %v", rep.Problems)
	require.NoError(t, rep.Err())
	assert.Equal(t, int64(3000), rep.Time)
	assert.Equal(t, int64(3), rep.Paths)
	// Two deltas for "a"; the root and "fixed" only change mtime.
	assert.Equal(t, int64(6), rep.Increments)
}

func TestVerify_DetectsMissingIncrement(t *testing.T) {
	mirror := threeSessions(t)

	_, incs, err := engine.ListIncrements(engine.RepoConfig{Mirror: mirror}, "a")
	require.NoError(t, err)
	require.Len(t, incs, 2)
	require.Equal(t, int64(2000), incs[0].Time)
	require.NoError(t, os.Remove(incs[0].Path))

	rep := verify(t, mirror, false)
	require.False(t, rep.OK())
	require.Len(t, rep.Problems, 1)
	p := rep.Problems[0]
	assert.Equal(t, "a", p.Path)
	assert.True(t, errors.Is(p.Err, store.ErrChainGap), "got %v", p.Err)
	assert.Error(t, rep.Err())

	// Reconstruction refuses the same gap rather than guessing.
	st := openReadOnly(t, mirror)
	_, err = st.Reconstruct(context.Background(), incs[0].Index, 1000)
	require.Error(t, err)
	assert.True(t, store.IsChainError(err), "got %v", err)
}

func TestVerify_FullDetectsMirrorCorruption(t *testing.T) {
	mirror := threeSessions(t)

	path := filepath.Join(mirror, "fixed")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("NEVER CHANGES"), 0o644))
	require.NoError(t, os.Chtimes(path, fi.ModTime(), fi.ModTime()))

	assert.True(t, verify(t, mirror, false).OK(), "size-only check should not notice")

	rep := verify(t, mirror, true)
	require.Len(t, rep.Problems, 1)
	assert.Equal(t, "fixed", rep.Problems[0].Path)
	assert.Zero(t, rep.Problems[0].Time)
}

func TestVerify_RefusesUnfinishedSession(t *testing.T) {
	mirror := threeSessions(t)

	st, err := store.Open(mirror, store.Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	ss, err := st.Begin(4000, "crashed")
	require.NoError(t, err)
	ss.Abort()
	require.NoError(t, st.Close())

	_, err = engine.RunVerify(context.Background(), engine.VerifyConfig{Mirror: mirror})
	assert.True(t, store.IsNeedsRegress(err), "got %v", err)
}

func TestVerify_EmptyRepository(t *testing.T) {
	mirror := t.TempDir()
	st, err := store.Open(mirror, store.Options{Create: true, TempDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = engine.RunVerify(context.Background(), engine.VerifyConfig{Mirror: mirror})
	assert.ErrorIs(t, err, engine.ErrNoSession)
}
