package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.rules")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeRules(t, `# home directory rules
+ .config/backtrack/**
- .cache/
- re:\.(swp|tmp)$

*.o
`)
	c := NewChain()
	require.NoError(t, c.LoadFile(path))
	require.Len(t, c.rules, 4)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".config/backtrack/config.toml", false, true},
		{".cache", true, false},
		{"notes.md.swp", false, false},
		{"docs/draft.tmp", false, false},
		{"build/main.o", false, false},
		{"notes.md", false, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Match(tt.path, tt.isDir, 10), tt.path)
	}
}

func TestLoadFileAppendsAfterExistingRules(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.AddInclude("keep.log"))
	require.NoError(t, c.LoadFile(writeRules(t, "- *.log\n")))

	assert.True(t, c.Match("keep.log", false, 1))
	assert.False(t, c.Match("other.log", false, 1))
}

func TestLoadFileOnlyComments(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.LoadFile(writeRules(t, "# nothing\n\n   \n")))
	assert.True(t, c.Empty())
}

func TestLoadFileErrors(t *testing.T) {
	assert.Error(t, NewChain().LoadFile(filepath.Join(t.TempDir(), "missing")))

	err := NewChain().LoadFile(writeRules(t, "- *.ok\n+ re:(unclosed\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
