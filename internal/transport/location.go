package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Location is a parsed source argument.
type Location struct {
	Host string
	User string
	Path string
}

// IsRemote reports whether the location names another host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

func (l Location) String() string {
	if !l.IsRemote() {
		return l.Path
	}
	if l.User != "" {
		return fmt.Sprintf("%s@%s:%s", l.User, l.Host, l.Path)
	}
	return fmt.Sprintf("%s:%s", l.Host, l.Path)
}

// ParseLocation parses a CLI argument into a Location.
//
// Supported formats:
//   - /absolute/path   local
//   - relative/path    local
//   - host:path        SSH remote as the current user
//   - user@host:path   SSH remote
//
// A path containing ":" is only treated as remote if the part before the
// colon contains no path separators, so "/foo:bar" and "./host:path" stay
// local.
func ParseLocation(arg string) Location {
	if filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return Location{Path: arg}
	}

	hostPart, pathPart, ok := strings.Cut(arg, ":")
	if !ok || hostPart == "" || strings.ContainsAny(hostPart, `/\`) {
		return Location{Path: arg}
	}

	var userName, host string
	if at := strings.LastIndexByte(hostPart, '@'); at >= 0 {
		userName, host = hostPart[:at], hostPart[at+1:]
	} else {
		host = hostPart
	}
	if host == "" {
		return Location{Path: arg}
	}
	return Location{Host: host, User: userName, Path: pathPart}
}

// SourceOpts selects how a remote source is reached.
type SourceOpts struct {
	SSH SSHOpts
	// SFTP reads the remote tree over SFTP instead of running backtrack
	// on the remote host.
	SFTP bool
}

// OpenSource opens the backup source named by arg.
func OpenSource(ctx context.Context, arg string, opts SourceOpts) (Source, error) {
	loc := ParseLocation(arg)
	switch {
	case !loc.IsRemote():
		return NewLocalSource(loc.Path)
	case opts.SFTP:
		return DialSFTPSource(loc, opts.SSH)
	default:
		return DialRemoteSource(ctx, loc, opts.SSH)
	}
}
