package meta

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// Selector decides whether a scanned record is kept. Excluded directories
// are not descended into.
type Selector interface {
	Allow(rec *Record) bool
}

// ScanOptions controls a filesystem scan.
type ScanOptions struct {
	Selector Selector
	// SkipRoot lists top-level names that are never reported, such as the
	// repository's own data directory.
	SkipRoot []string
	// Xattrs captures extended attributes and the access ACL.
	Xattrs bool
	// Names resolves user and group names for recorded ids.
	Names bool
	// OnError receives per-path stat and readdir failures. The scan skips
	// the path and continues. A nil OnError logs at warn level.
	OnError func(idx Index, err error)
}

type scanFrame struct {
	idx     Index
	abs     string
	entries []os.DirEntry
	pos     int
}

// Scanner walks a directory tree depth-first, yielding records in Index
// order. Directories are listed lazily so memory is bounded by tree depth
// times directory width.
type Scanner struct {
	ctx   context.Context
	root  string
	opts  ScanOptions
	skip  map[string]bool
	stack []*scanFrame
	names *nameCache
	began bool
}

// Scan returns an Iterator over the tree rooted at root.
func Scan(ctx context.Context, root string, opts ScanOptions) *Scanner {
	s := &Scanner{
		ctx:  ctx,
		root: root,
		opts: opts,
		skip: make(map[string]bool, len(opts.SkipRoot)),
	}
	for _, n := range opts.SkipRoot {
		s.skip[n] = true
	}
	if opts.Names {
		s.names = newNameCache()
	}
	return s
}

func (s *Scanner) Next() (*Record, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if !s.began {
		s.began = true
		rec, err := Stat(s.root, Index{}, s.statOpts())
		if err != nil {
			return nil, fmt.Errorf("scan root: %w", err)
		}
		if rec.Kind != KindDir {
			return nil, fmt.Errorf("scan root %s: not a directory", s.root)
		}
		s.push(rec.Index, s.root)
		return rec, nil
	}

	for len(s.stack) > 0 {
		top := s.stack[len(s.stack)-1]
		if top.pos >= len(top.entries) {
			s.stack = s.stack[:len(s.stack)-1]
			continue
		}
		entry := top.entries[top.pos]
		top.pos++

		name := entry.Name()
		if len(top.idx) == 0 && s.skip[name] {
			continue
		}
		idx := top.idx.Child(name)
		abs := filepath.Join(top.abs, name)
		rec, err := Stat(abs, idx, s.statOpts())
		if err != nil {
			s.fail(idx, err)
			continue
		}
		if s.opts.Selector != nil && !s.opts.Selector.Allow(rec) {
			continue
		}
		if rec.Kind == KindDir {
			s.push(idx, abs)
		}
		return rec, nil
	}
	return nil, io.EOF
}

func (s *Scanner) Close() error {
	s.stack = nil
	return nil
}

func (s *Scanner) push(idx Index, abs string) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		s.fail(idx, fmt.Errorf("readdir: %w", err))
	}
	s.stack = append(s.stack, &scanFrame{idx: idx, abs: abs, entries: entries})
}

func (s *Scanner) fail(idx Index, err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(idx, err)
		return
	}
	slog.Warn("scan", "path", idx.String(), "error", err)
}

func (s *Scanner) statOpts() statOpts {
	return statOpts{xattrs: s.opts.Xattrs, names: s.names}
}

type statOpts struct {
	xattrs bool
	names  *nameCache
}

// Stat builds a record for the object at abs without following symlinks.
// The content hash is left empty.
func Stat(abs string, idx Index, opts statOpts) (*Record, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, err
	}
	rec := FromFileInfo(idx, info)
	if rec.Kind == KindSymlink {
		target, err := os.Readlink(abs)
		if err != nil {
			return nil, fmt.Errorf("readlink: %w", err)
		}
		rec.LinkTarget = target
	}
	if opts.xattrs && rec.Kind != KindSymlink {
		rec.Xattrs, rec.ACL = readXattrs(abs)
	}
	if opts.names != nil {
		rec.UserName = opts.names.user(rec.UID)
		rec.GroupName = opts.names.group(rec.GID)
	}
	return rec, nil
}

// StatPath is Stat with default options, used when inspecting mirror and
// restore targets.
func StatPath(abs string, idx Index) (*Record, error) {
	return Stat(abs, idx, statOpts{})
}

// FromFileInfo converts an lstat result into a record.
func FromFileInfo(idx Index, info fs.FileInfo) *Record {
	mode := info.Mode()
	rec := &Record{
		Index: idx,
		Perm:  uint32(mode.Perm()),
		Nlink: 1,
	}
	if mode&fs.ModeSetuid != 0 {
		rec.Perm |= uint32(fs.ModeSetuid)
	}
	if mode&fs.ModeSetgid != 0 {
		rec.Perm |= uint32(fs.ModeSetgid)
	}
	if mode&fs.ModeSticky != 0 {
		rec.Perm |= uint32(fs.ModeSticky)
	}
	switch {
	case mode.IsRegular():
		rec.Kind = KindRegular
		rec.Size = info.Size()
	case mode.IsDir():
		rec.Kind = KindDir
	case mode&fs.ModeSymlink != 0:
		rec.Kind = KindSymlink
	case mode&fs.ModeNamedPipe != 0:
		rec.Kind = KindFifo
	case mode&fs.ModeSocket != 0:
		rec.Kind = KindSocket
	case mode&fs.ModeDevice != 0:
		rec.Kind = KindDevice
		rec.DevChar = mode&fs.ModeCharDevice != 0
	default:
		rec.Kind = KindRegular
	}
	rec.MTime = info.ModTime().Unix()
	rec.MTimeNsec = int64(info.ModTime().Nanosecond())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		fillFromStat(rec, st)
	}
	return rec
}
