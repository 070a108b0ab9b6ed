package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/store"
)

func historyRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	mirror := filepath.Join(dir, "mirror")
	writeTree(t, src, map[string]entry{
		"a": {Content: "hello"},
		"b": {Content: "world"},
	}, 100)
	backupAt(t, src, mirror, 100)
	writeTree(t, src, map[string]entry{
		"a": {Content: "hello!"},
		"c": {Content: "new"},
	}, 200)
	backupAt(t, src, mirror, 200)
	return mirror
}

func TestListSessions(t *testing.T) {
	mirror := historyRepo(t)

	sessions, err := engine.ListSessions(engine.RepoConfig{Mirror: mirror})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, int64(100), sessions[0].Time)
	assert.Equal(t, int64(200), sessions[1].Time)
	assert.True(t, sessions[1].Current)
	assert.False(t, sessions[0].Current)
}

func TestListAt(t *testing.T) {
	mirror := historyRepo(t)
	cfg := engine.RepoConfig{Mirror: mirror}

	paths := func(at int64) (int64, []string) {
		got, recs, err := engine.ListAt(context.Background(), cfg, at)
		require.NoError(t, err)
		var out []string
		for _, r := range recs {
			out = append(out, r.Index.String())
		}
		return got, out
	}

	at, got := paths(150)
	assert.Equal(t, int64(100), at)
	assert.Equal(t, []string{".", "a", "b"}, got)

	at, got = paths(0)
	assert.Equal(t, int64(200), at)
	assert.Equal(t, []string{".", "a", "c"}, got)

	_, recs, err := engine.ListAt(context.Background(), cfg, 100)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(len("hello")), recs[1].Size)
}

func TestChangedSince(t *testing.T) {
	mirror := historyRepo(t)

	at, changes, err := engine.ChangedSince(context.Background(), engine.RepoConfig{Mirror: mirror}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), at)
	assert.Equal(t, []engine.Change{
		{Path: ".", Status: engine.ChangeChanged},
		{Path: "a", Status: engine.ChangeChanged},
		{Path: "b", Status: engine.ChangeDeleted},
		{Path: "c", Status: engine.ChangeNew},
	}, changes)

	_, changes, err = engine.ChangedSince(context.Background(), engine.RepoConfig{Mirror: mirror}, 200)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestListIncrements(t *testing.T) {
	mirror := historyRepo(t)
	cfg := engine.RepoConfig{Mirror: mirror}

	cur, incs, err := engine.ListIncrements(cfg, "a")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, int64(200), cur.Since)
	require.Len(t, incs, 1)
	assert.Equal(t, store.TagDelta, incs[0].Tag)
	assert.Positive(t, incs[0].Bytes)

	cur, incs, err = engine.ListIncrements(cfg, "b")
	require.NoError(t, err)
	assert.False(t, cur.Exists())
	require.Len(t, incs, 1)
	assert.Equal(t, store.TagDeletion, incs[0].Tag)

	_, incs, err = engine.ListIncrements(cfg, "c")
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.Equal(t, store.TagMissing, incs[0].Tag)
}

func TestRegress_NothingPending(t *testing.T) {
	mirror := historyRepo(t)

	rep, err := engine.Regress(context.Background(), engine.RepoConfig{Mirror: mirror})
	require.NoError(t, err)
	assert.Zero(t, rep.Time)
}

func TestChangeStatusString(t *testing.T) {
	assert.Equal(t, "new", engine.ChangeNew.String())
	assert.Equal(t, "changed", engine.ChangeChanged.String())
	assert.Equal(t, "deleted", engine.ChangeDeleted.String())
	assert.Equal(t, "unknown", engine.ChangeStatus(0).String())
}
