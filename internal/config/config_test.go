package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/config"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configDir := filepath.Join(dir, "backtrack")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.Compress)
	assert.Nil(t, cfg.Restrict.Mode)
	assert.Nil(t, cfg.SSH.Port)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
workers = 16
bwlimit = "100MB"
compress = false
not_compressed = '\.(iso|img)$'
hardlinks = true
xattrs = true
names = false
compare_inode = false
fsync = true
exclude = ["**/.cache", "*.tmp"]
exclude_file = "/etc/backtrack/excludes"

[restrict]
path = "/srv/backups"
mode = "update-only"

[ssh]
port = 2222
key_file = "~/.ssh/backup_ed25519"
binary = "/usr/local/bin/backtrack"
compress = true
sftp = false
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	d := cfg.Defaults
	require.NotNil(t, d.Workers)
	assert.Equal(t, 16, *d.Workers)
	require.NotNil(t, d.BWLimit)
	assert.Equal(t, "100MB", *d.BWLimit)
	require.NotNil(t, d.Compress)
	assert.False(t, *d.Compress)
	require.NotNil(t, d.NotCompressed)
	assert.Equal(t, `\.(iso|img)$`, *d.NotCompressed)
	require.NotNil(t, d.Hardlinks)
	assert.True(t, *d.Hardlinks)
	require.NotNil(t, d.Names)
	assert.False(t, *d.Names)
	require.NotNil(t, d.CompareInode)
	assert.False(t, *d.CompareInode)
	assert.Equal(t, []string{"**/.cache", "*.tmp"}, d.Exclude)
	require.NotNil(t, d.ExcludeFile)
	assert.Equal(t, "/etc/backtrack/excludes", *d.ExcludeFile)

	require.NotNil(t, cfg.Restrict.Path)
	assert.Equal(t, "/srv/backups", *cfg.Restrict.Path)
	require.NotNil(t, cfg.Restrict.Mode)
	assert.Equal(t, "update-only", *cfg.Restrict.Mode)

	require.NotNil(t, cfg.SSH.Port)
	assert.Equal(t, 2222, *cfg.SSH.Port)
	require.NotNil(t, cfg.SSH.Binary)
	assert.Equal(t, "/usr/local/bin/backtrack", *cfg.SSH.Binary)
	require.NotNil(t, cfg.SSH.SFTP)
	assert.False(t, *cfg.SSH.SFTP)
}

func TestLoad_PartialConfig(t *testing.T) {
	writeConfig(t, `
[restrict]
mode = "read-only"
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	// Defaults section entirely absent.
	assert.Nil(t, cfg.Defaults.Workers)
	assert.Empty(t, cfg.Defaults.Exclude)

	require.NotNil(t, cfg.Restrict.Mode)
	assert.Equal(t, "read-only", *cfg.Restrict.Mode)
	assert.Nil(t, cfg.Restrict.Path)
}

func TestLoad_InvalidTOML(t *testing.T) {
	writeConfig(t, "invalid [[[")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_UnknownKey(t *testing.T) {
	writeConfig(t, `
[defaults]
wokers = 4
`)

	_, err := config.Load()
	var uk *config.UnknownKeysError
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, []string{"defaults.wokers"}, uk.Keys)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/backtrack/config.toml", config.ConfigPath())
}
