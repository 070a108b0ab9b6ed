package meta

import (
	"path/filepath"
	"strings"
)

// Index identifies a path relative to a backup root as an ordered list of
// components. The empty Index is the root itself.
type Index []string

// ParseIndex converts a slash- or OS-separated relative path into an Index.
// "", "." and "/" all name the root.
func ParseIndex(rel string) Index {
	rel = filepath.ToSlash(filepath.Clean(rel))
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return Index{}
	}
	return Index(strings.Split(rel, "/"))
}

// String renders the index as a slash-separated path, "." for the root.
func (i Index) String() string {
	if len(i) == 0 {
		return "."
	}
	return strings.Join(i, "/")
}

// Path renders the index with the OS separator, "" for the root.
func (i Index) Path() string {
	return filepath.Join(i...)
}

// Compare orders indices component-wise. A proper prefix sorts before any of
// its extensions, so a directory always precedes its contents.
func (i Index) Compare(o Index) int {
	n := min(len(i), len(o))
	for k := range n {
		if c := strings.Compare(i[k], o[k]); c != 0 {
			return c
		}
	}
	switch {
	case len(i) < len(o):
		return -1
	case len(i) > len(o):
		return 1
	}
	return 0
}

func (i Index) Less(o Index) bool { return i.Compare(o) < 0 }

func (i Index) Equal(o Index) bool { return i.Compare(o) == 0 }

// Child returns a new index with name appended. The receiver is not aliased.
func (i Index) Child(name string) Index {
	out := make(Index, len(i)+1)
	copy(out, i)
	out[len(i)] = name
	return out
}

// Parent returns the containing directory's index. The root is its own parent.
func (i Index) Parent() Index {
	if len(i) == 0 {
		return i
	}
	return i[:len(i)-1]
}

// HasPrefix reports whether p is an ancestor of (or equal to) i.
func (i Index) HasPrefix(p Index) bool {
	if len(p) > len(i) {
		return false
	}
	return i[:len(p)].Equal(p)
}

// Name returns the final component, "" for the root.
func (i Index) Name() string {
	if len(i) == 0 {
		return ""
	}
	return i[len(i)-1]
}
