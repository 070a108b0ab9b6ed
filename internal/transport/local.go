package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bamsammich/backtrack/internal/meta"
)

var _ Source = (*LocalSource)(nil)

// LocalSource reads a tree on the local filesystem.
type LocalSource struct {
	root string
}

// NewLocalSource returns a source rooted at the directory root.
func NewLocalSource(root string) (*LocalSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", abs)
	}
	return &LocalSource{root: abs}, nil
}

func (s *LocalSource) Records(ctx context.Context, opts ScanOptions) (meta.Iterator, error) {
	return meta.Scan(ctx, s.root, meta.ScanOptions{
		Selector: opts.Selector,
		SkipRoot: opts.SkipRoot,
		Xattrs:   opts.Xattrs,
		Names:    opts.Names,
		OnError:  opts.OnError,
	}), nil
}

func (s *LocalSource) Open(idx meta.Index) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, idx.Path()))
}

func (s *LocalSource) Root() string { return s.root }

func (s *LocalSource) Caps() Capabilities {
	return Capabilities{Inodes: true, Owners: true, Xattrs: true}
}

func (s *LocalSource) Close() error { return nil }
