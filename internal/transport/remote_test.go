package transport_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/transport"
)

type excludeName string

func (e excludeName) Allow(rec *meta.Record) bool { return rec.Index.Name() != string(e) }

// startServer serves root on one end of an in-memory pipe and returns a
// RemoteSource connected to the other end.
func startServer(t *testing.T, root string, compress bool, policy *security.Policy) *transport.RemoteSource {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- transport.ServeSource(ctx, root, server, transport.ServeOptions{Compress: compress, Policy: policy})
	}()

	src, err := transport.NewRemoteSource(context.Background(), client, compress)
	require.NoError(t, err)
	t.Cleanup(func() {
		src.Close()
		cancel()
		<-done
	})
	return src
}

func TestRemoteSource_RecordsMatchLocal(t *testing.T) {
	t.Parallel()
	for _, compress := range []bool{false, true} {
		root := setupTestTree(t)
		src := startServer(t, root, compress, nil)

		assert.Equal(t, root, src.Root())
		assert.True(t, src.Caps().Inodes)

		local, err := transport.NewLocalSource(root)
		require.NoError(t, err)
		opts := transport.ScanOptions{SkipRoot: []string{"skipme"}}

		want := collectPaths(t, local, opts)
		got := collectPaths(t, src, opts)
		require.Equal(t, paths(want), paths(got))
		for i := range want {
			assert.True(t, want[i].Equivalent(got[i], meta.DefaultCompareOpts), want[i].Index.String())
		}
	}
}

func TestRemoteSource_SelectorPrunesSubtree(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	src := startServer(t, root, false, nil)

	recs := collectPaths(t, src, transport.ScanOptions{Selector: excludeName("sub")})
	assert.Equal(t, []string{".", "file.txt", "skipme"}, paths(recs))
}

func TestRemoteSource_Open(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	src := startServer(t, root, true, nil)

	rc, err := src.Open(meta.ParseIndex("sub/deep/deep.txt"))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "deep", string(data))

	_, err = src.Open(meta.ParseIndex("nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = src.Open(meta.Index{"..", "etc", "passwd"})
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestRemoteSource_PolicyDenied(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	policy, err := security.New(t.TempDir(), security.ReadOnly)
	require.NoError(t, err)
	src := startServer(t, root, false, policy)

	_, err = src.Records(context.Background(), transport.ScanOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside")
}

func TestRemoteSource_ClosedCallsFail(t *testing.T) {
	t.Parallel()
	root := setupTestTree(t)
	src := startServer(t, root, false, nil)
	require.NoError(t, src.Close())

	_, err := src.Open(meta.ParseIndex("file.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrClosed), "got %v", err)
}
