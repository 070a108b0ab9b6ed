package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional backtrack configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Restrict RestrictConfig `toml:"restrict"`
	SSH      SSHConfig      `toml:"ssh"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Workers *int    `toml:"workers"`
	BWLimit *string `toml:"bwlimit"`
	// Compress stores full-copy and delta increments zstd-compressed.
	Compress      *bool   `toml:"compress"`
	NotCompressed *string `toml:"not_compressed"`
	Hardlinks     *bool   `toml:"hardlinks"`
	Xattrs        *bool   `toml:"xattrs"`
	Names         *bool   `toml:"names"`
	CompareInode  *bool   `toml:"compare_inode"`
	Fsync         *bool   `toml:"fsync"`
	// Exclude patterns apply to every backup before any --exclude flags.
	Exclude     []string `toml:"exclude"`
	ExcludeFile *string  `toml:"exclude_file"`
}

// RestrictConfig confines what this process may touch.
type RestrictConfig struct {
	Path *string `toml:"path"`
	Mode *string `toml:"mode"`
}

// SSHConfig holds defaults for remote sources.
type SSHConfig struct {
	Port     *int    `toml:"port"`
	KeyFile  *string `toml:"key_file"`
	Binary   *string `toml:"binary"`
	Compress *bool   `toml:"compress"`
	SFTP     *bool   `toml:"sftp"`
}

// ConfigPath returns the resolved path to the config file.
//
//nolint:revive // exported: name reads better at call sites than config.Path
func ConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "backtrack", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := ConfigPath()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, &UnknownKeysError{Path: path, Keys: keyStrings(undecoded)}
	}
	return cfg, nil
}

// UnknownKeysError reports settings the file contains that backtrack does
// not recognise, which are usually typos.
type UnknownKeysError struct {
	Path string
	Keys []string
}

func (e *UnknownKeysError) Error() string {
	msg := e.Path + ": unknown settings:"
	for _, k := range e.Keys {
		msg += " " + k
	}
	return msg
}

func keyStrings(keys []toml.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
