package meta

import (
	"fmt"
	"io"
)

// Iterator yields records in strictly increasing Index order. Next returns
// io.EOF once the sequence is exhausted.
type Iterator interface {
	Next() (*Record, error)
	Close() error
}

// SliceIterator iterates over an in-memory slice of records.
type SliceIterator struct {
	recs []*Record
	pos  int
}

// FromSlice returns an Iterator over recs. The slice is not copied.
func FromSlice(recs []*Record) *SliceIterator {
	return &SliceIterator{recs: recs}
}

func (s *SliceIterator) Next() (*Record, error) {
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

func (s *SliceIterator) Close() error { return nil }

// Empty returns an Iterator with no records.
func Empty() Iterator { return FromSlice(nil) }

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]*Record, error) {
	defer it.Close()
	var out []*Record
	for {
		r, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}

// FuncIterator adapts a closure into an Iterator.
type FuncIterator struct {
	next  func() (*Record, error)
	close func() error
}

// IteratorFunc builds an Iterator from next and an optional close.
func IteratorFunc(next func() (*Record, error), closeFn func() error) *FuncIterator {
	return &FuncIterator{next: next, close: closeFn}
}

func (f *FuncIterator) Next() (*Record, error) { return f.next() }

func (f *FuncIterator) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}

// Lookup scans it for idx and returns the matching record, or nil if the
// sequence passes idx without a match. it is consumed up to and including
// the first record at or after idx.
func Lookup(it Iterator, idx Index) (*Record, error) {
	for {
		r, err := it.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", idx, err)
		}
		switch c := r.Index.Compare(idx); {
		case c == 0:
			return r, nil
		case c > 0:
			return nil, nil
		}
	}
}
