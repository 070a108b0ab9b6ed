package transport_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/transport"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	local := func(p string) transport.Location { return transport.Location{Path: p} }
	tests := map[string]transport.Location{
		"/home/user/data":           local("/home/user/data"),
		"data/files":                local("data/files"),
		"./data":                    local("./data"),
		"../data":                   local("../data"),
		"/srv/file:with:colons":     local("/srv/file:with:colons"),
		"dir/host:path":             local("dir/host:path"),
		"./host:path":               local("./host:path"),
		`dir\host:path`:             local(`dir\host:path`),
		":path":                     local(":path"),
		"user@:path":                local("user@:path"),
		"notes.txt":                 local("notes.txt"),
		"nas:/backup/data":          {Host: "nas", Path: "/backup/data"},
		"nas:home":                  {Host: "nas", Path: "home"},
		"nas:":                      {Host: "nas"},
		"root@nas.local:/etc":       {Host: "nas.local", User: "root", Path: "/etc"},
		"first.last@nas:/mnt/photo": {Host: "nas", User: "first.last", Path: "/mnt/photo"},
	}
	for in, want := range tests {
		loc := transport.ParseLocation(in)
		assert.Equal(t, want, loc, in)
		assert.Equal(t, want.Host != "", loc.IsRemote(), in)
	}
}

func TestLocation_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/data", transport.Location{Path: "/data"}.String())
	assert.Equal(t, "nas:/backup", transport.Location{Host: "nas", Path: "/backup"}.String())
	assert.Equal(t, "root@nas:/backup", transport.Location{Host: "nas", User: "root", Path: "/backup"}.String())

	for _, arg := range []string{"root@nas:/backup", "nas:docs", "/plain/path"} {
		assert.Equal(t, arg, transport.ParseLocation(arg).String(), "round trip")
	}
}

func TestOpenSource_Local(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0o644))

	src, err := transport.OpenSource(context.Background(), dir, transport.SourceOpts{})
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, dir, src.Root())
	assert.True(t, src.Caps().Inodes)

	_, err = transport.OpenSource(context.Background(), filepath.Join(dir, "missing"), transport.SourceOpts{})
	assert.Error(t, err)

	_, err = transport.OpenSource(context.Background(), filepath.Join(dir, "a"), transport.SourceOpts{})
	assert.Error(t, err, "a source must be a directory")
}

func TestServeCommand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "backtrack serve --source /data", transport.ServeCommand("", "/data", false))
	assert.Equal(t, "/opt/bt serve --source 'my files' --compress",
		transport.ServeCommand("/opt/bt", "my files", true))
	assert.Equal(t, `backtrack serve --source 'it'\''s'`, transport.ServeCommand("", "it's", false))
}
