package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobStar(t *testing.T) {
	g, err := compileGlob("*.log")
	require.NoError(t, err)

	assert.True(t, g.match("app.log", false))
	assert.True(t, g.match("dir/app.log", false))
	assert.False(t, g.match("app.log.bak", false))
	assert.False(t, g.match("app.txt", false))
}

func TestGlobDoubleStar(t *testing.T) {
	g, err := compileGlob("**/*.db")
	require.NoError(t, err)

	assert.True(t, g.match("state.db", false))
	assert.True(t, g.match("var/lib/state.db", false))
	assert.False(t, g.match("state.db-wal", false))
}

func TestGlobAnchoring(t *testing.T) {
	root, err := compileGlob("/root.txt")
	require.NoError(t, err)
	assert.True(t, root.match("root.txt", false))
	assert.False(t, root.match("sub/root.txt", false))

	nested, err := compileGlob("sub/dir/*.txt")
	require.NoError(t, err)
	assert.True(t, nested.match("sub/dir/file.txt", false))
	assert.False(t, nested.match("other/sub/dir/file.txt", false))
}

func TestGlobDirOnly(t *testing.T) {
	g, err := compileGlob("cache/")
	require.NoError(t, err)

	assert.True(t, g.match("cache", true))
	assert.True(t, g.match("home/cache", true))
	assert.False(t, g.match("cache", false))
}

func TestGlobQuestionAndClass(t *testing.T) {
	q, err := compileGlob("file?.txt")
	require.NoError(t, err)
	assert.True(t, q.match("file1.txt", false))
	assert.False(t, q.match("file12.txt", false))
	assert.False(t, q.match("file/.txt", false))

	cls, err := compileGlob("img[!0-9].png")
	require.NoError(t, err)
	assert.True(t, cls.match("imgA.png", false))
	assert.False(t, cls.match("img7.png", false))

	open, err := compileGlob("weird[name")
	require.NoError(t, err)
	assert.True(t, open.match("weird[name", false))
}
