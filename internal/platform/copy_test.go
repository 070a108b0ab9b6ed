package platform

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// stage writes data to a source file and returns it with an empty,
// writable destination.
func stage(t *testing.T, data []byte) (string, *os.File) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, data, 0o644))
	dst, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })
	return src, dst
}

func contents(t *testing.T, f *os.File) []byte {
	t.Helper()
	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return got
}

func TestCopyFile(t *testing.T) {
	tests := map[string][]byte{
		"empty":  nil,
		"small":  []byte("session 1000 mirror content"),
		"chunks": randomBytes(t, 3*bufferSize+17),
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			src, dst := stage(t, data)
			res, err := CopyFile(CopyParams{Dst: dst, SrcPath: src, Size: int64(len(data))})
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), res.BytesWritten)
			assert.Equal(t, len(data), len(contents(t, dst)))
			if len(data) > 0 {
				assert.Equal(t, data, contents(t, dst))
			}
		})
	}
}

func TestCopyFile_MissingSource(t *testing.T) {
	_, dst := stage(t, nil)
	_, err := CopyFile(CopyParams{Dst: dst, SrcPath: filepath.Join(t.TempDir(), "gone")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCopyReadWrite(t *testing.T) {
	data := randomBytes(t, bufferSize+123)
	srcPath, dst := stage(t, data)
	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	res, err := copyReadWrite(src, dst)
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, res.Method)
	assert.Equal(t, int64(len(data)), res.BytesWritten)
	assert.Equal(t, data, contents(t, dst))
}

func TestCopyMethodString(t *testing.T) {
	assert.Equal(t, "read_write", ReadWrite.String())
	assert.Equal(t, "copy_file_range", CopyFileRange.String())
	assert.Equal(t, "sendfile", Sendfile.String())
	assert.Equal(t, "unknown", CopyMethod(-1).String())
	assert.Equal(t, "unknown", CopyMethod(len(methodNames)).String())
}
