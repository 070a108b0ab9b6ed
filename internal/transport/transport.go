// Package transport provides the sources a backup reads from: the local
// filesystem, a remote backtrack process reached over SSH, or a bare SFTP
// server.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/bamsammich/backtrack/internal/meta"
)

// ErrClosed is returned by calls on a source whose connection has ended.
var ErrClosed = errors.New("transport closed")

// Capabilities describes what a source can report.
type Capabilities struct {
	// Inodes means records carry device, inode and link counts, which
	// hard-link tracking needs.
	Inodes bool
	// Owners means uid and gid are meaningful.
	Owners bool
	// Xattrs means extended attributes and ACLs can be captured.
	Xattrs bool
}

// ScanOptions selects what a Source reports from Records.
type ScanOptions struct {
	Selector meta.Selector
	// SkipRoot lists top-level names never reported.
	SkipRoot []string
	Xattrs   bool
	Names    bool
	// OnError receives per-path failures the scan skipped over.
	OnError func(idx meta.Index, err error)
}

// Source is the read side of a backup.
type Source interface {
	// Records returns the tree's records in strictly increasing index
	// order, root first.
	Records(ctx context.Context, opts ScanOptions) (meta.Iterator, error)

	// Open returns the content of the regular file at idx.
	Open(idx meta.Index) (io.ReadCloser, error)

	// Root returns the source location for display and the journal.
	Root() string

	Caps() Capabilities

	Close() error
}
