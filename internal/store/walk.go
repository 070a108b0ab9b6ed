package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bamsammich/backtrack/internal/meta"
)

type dirEntry struct {
	file       string
	name       string
	inc        bool
	dir        bool
	time       int64
	tag        Tag
	compressed bool
}

// dirCache keeps recent increment directory listings. Restores and
// verification visit paths in index order, so a small cache absorbs
// almost all repeat listings.
type dirCache struct {
	mu      sync.Mutex
	entries map[string][]dirEntry
}

const dirCacheMax = 256

func (s *Store) listDir(dir string) ([]dirEntry, error) {
	dir = filepath.Clean(dir)
	s.dirs.mu.Lock()
	if e, ok := s.dirs.entries[dir]; ok {
		s.dirs.mu.Unlock()
		return e, nil
	}
	s.dirs.mu.Unlock()

	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list increments %s: %w", dir, err)
	}
	out := make([]dirEntry, 0, len(des))
	for _, de := range des {
		file := de.Name()
		if de.IsDir() {
			if !strings.HasSuffix(file, tmpSuffix) {
				out = append(out, dirEntry{file: file, name: file, dir: true})
			}
			continue
		}
		name, t, tag, compressed, ok := parseIncName(file)
		if !ok {
			continue
		}
		out = append(out, dirEntry{file: file, name: name, inc: true, time: t, tag: tag, compressed: compressed})
	}

	s.dirs.mu.Lock()
	if s.dirs.entries == nil || len(s.dirs.entries) >= dirCacheMax {
		s.dirs.entries = make(map[string][]dirEntry)
	}
	s.dirs.entries[dir] = out
	s.dirs.mu.Unlock()
	return out, nil
}

func (s *Store) invalidateDir(dir string) {
	s.dirs.mu.Lock()
	delete(s.dirs.entries, filepath.Clean(dir))
	s.dirs.mu.Unlock()
}

// IncrementIndices iterates, in index order, over every path that has at
// least one increment. Yielded records are placeholders of KindAbsent.
func (s *Store) IncrementIndices() meta.Iterator {
	w := &incWalker{s: s}
	return meta.IteratorFunc(w.next, nil)
}

type incFrame struct {
	prefix meta.Index
	dir    string
	names  []incChild
	pos    int
}

type incChild struct {
	name   string
	hasInc bool
	hasDir bool
}

type incWalker struct {
	s       *Store
	stack   []*incFrame
	started bool
}

func (w *incWalker) next() (*meta.Record, error) {
	if !w.started {
		w.started = true
		rootIncs, err := w.s.Increments(meta.Index{})
		if err != nil {
			return nil, err
		}
		if err := w.push(meta.Index{}, filepath.Join(w.s.data, incrementsName)); err != nil {
			return nil, err
		}
		if len(rootIncs) > 0 {
			return meta.Absent(meta.Index{}), nil
		}
	}

	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.pos >= len(top.names) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		child := top.names[top.pos]
		top.pos++

		idx := top.prefix.Child(child.name)
		if child.hasDir {
			if err := w.push(idx, filepath.Join(top.dir, child.name)); err != nil {
				return nil, err
			}
		}
		if child.hasInc {
			return meta.Absent(idx), nil
		}
	}
	return nil, io.EOF
}

func (w *incWalker) push(prefix meta.Index, dir string) error {
	entries, err := w.s.listDir(dir)
	if err != nil {
		return err
	}
	byName := make(map[string]*incChild)
	var names []string
	for _, e := range entries {
		c, ok := byName[e.name]
		if !ok {
			c = &incChild{name: e.name}
			byName[e.name] = c
			names = append(names, e.name)
		}
		c.hasInc = c.hasInc || e.inc
		c.hasDir = c.hasDir || e.dir
	}
	slices.Sort(names)

	f := &incFrame{prefix: prefix, dir: dir, names: make([]incChild, len(names))}
	for i, n := range names {
		f.names[i] = *byName[n]
	}
	w.stack = append(w.stack, f)
	return nil
}

// IncrementsAt returns every increment written by the session at t, in
// index order.
func (s *Store) IncrementsAt(t int64) ([]Increment, error) {
	var out []Increment
	err := s.EachIncrement(func(inc Increment) error {
		if inc.Time == t {
			out = append(out, inc)
		}
		return nil
	})
	return out, err
}

// EachIncrement calls fn for every increment in the repository, grouped by
// path in index order and oldest first within a path.
func (s *Store) EachIncrement(fn func(Increment) error) error {
	it := s.IncrementIndices()
	defer it.Close()
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		incs, err := s.Increments(rec.Index)
		if err != nil {
			return err
		}
		for _, inc := range incs {
			if err := fn(inc); err != nil {
				return err
			}
		}
	}
}
