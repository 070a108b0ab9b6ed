package transport_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/transport"
)

func setupTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "skipme"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep", "deep.txt"), []byte("deep"), 0o644))
	require.NoError(t, os.Symlink("nested.txt", filepath.Join(root, "sub", "link")))

	return root
}

var wantPaths = []string{
	".",
	"file.txt",
	"sub",
	"sub/deep",
	"sub/deep/deep.txt",
	"sub/link",
	"sub/nested.txt",
}

func collectPaths(t *testing.T, src transport.Source, opts transport.ScanOptions) []*meta.Record {
	t.Helper()
	it, err := src.Records(context.Background(), opts)
	require.NoError(t, err)
	recs, err := meta.Collect(it)
	require.NoError(t, err)
	return recs
}

func paths(recs []*meta.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Index.String())
	}
	return out
}

func TestLocalSource_Records(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	src, err := transport.NewLocalSource(root)
	require.NoError(t, err)
	defer src.Close()

	recs := collectPaths(t, src, transport.ScanOptions{SkipRoot: []string{"skipme"}})
	assert.Equal(t, wantPaths, paths(recs))

	byPath := make(map[string]*meta.Record)
	for _, r := range recs {
		byPath[r.Index.String()] = r
	}
	assert.Equal(t, meta.KindSymlink, byPath["sub/link"].Kind)
	assert.Equal(t, "nested.txt", byPath["sub/link"].LinkTarget)
	assert.Equal(t, int64(5), byPath["file.txt"].Size)
	assert.NotZero(t, byPath["file.txt"].Ino)
}

func TestLocalSource_Open(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	src, err := transport.NewLocalSource(root)
	require.NoError(t, err)

	rc, err := src.Open(meta.ParseIndex("sub/nested.txt"))
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(data))
}

func TestNewLocalSource_RejectsFile(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	_, err := transport.NewLocalSource(filepath.Join(root, "file.txt"))
	require.Error(t, err)
}
