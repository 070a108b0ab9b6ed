// Package collate merges two ordered record streams into aligned pairs.
package collate

import (
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/backtrack/internal/meta"
)

// ErrNotMonotonic is wrapped by the PreconditionError raised when an input
// stream repeats or goes back in Index order.
var ErrNotMonotonic = errors.New("input not in strictly increasing index order")

// PreconditionError reports a broken ordering contract. It is raised with
// panic because it indicates a bug in a producer, never a recoverable
// condition.
type PreconditionError struct {
	Side string
	Prev meta.Index
	Got  meta.Index
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("collate %s: %s after %s: %v", e.Side, e.Got, e.Prev, ErrNotMonotonic)
}

func (e *PreconditionError) Unwrap() error { return ErrNotMonotonic }

// Pair is one aligned position. A nil side means the path is absent from
// that stream.
type Pair struct {
	Index meta.Index
	A, B  *meta.Record
}

// Collator performs the merge join. It is single-pass and not safe for
// concurrent use.
type Collator struct {
	a, b side
}

type side struct {
	name string
	it   meta.Iterator
	head *meta.Record
	last meta.Index
	seen bool
	done bool
}

// New returns a collator over a and b.
func New(a, b meta.Iterator) *Collator {
	return &Collator{
		a: side{name: "a", it: a},
		b: side{name: "b", it: b},
	}
}

// Next returns the next pair in index order, or io.EOF once both inputs are
// exhausted. Iterator errors are returned as-is.
func (c *Collator) Next() (Pair, error) {
	if err := c.a.fill(); err != nil {
		return Pair{}, err
	}
	if err := c.b.fill(); err != nil {
		return Pair{}, err
	}

	ha, hb := c.a.head, c.b.head
	switch {
	case ha == nil && hb == nil:
		return Pair{}, io.EOF
	case hb == nil:
		c.a.head = nil
		return Pair{Index: ha.Index, A: ha}, nil
	case ha == nil:
		c.b.head = nil
		return Pair{Index: hb.Index, B: hb}, nil
	}

	switch cmp := ha.Index.Compare(hb.Index); {
	case cmp < 0:
		c.a.head = nil
		return Pair{Index: ha.Index, A: ha}, nil
	case cmp > 0:
		c.b.head = nil
		return Pair{Index: hb.Index, B: hb}, nil
	default:
		c.a.head, c.b.head = nil, nil
		return Pair{Index: ha.Index, A: ha, B: hb}, nil
	}
}

// Close closes both inputs.
func (c *Collator) Close() error {
	return errors.Join(c.a.it.Close(), c.b.it.Close())
}

func (s *side) fill() error {
	if s.head != nil || s.done {
		return nil
	}
	rec, err := s.it.Next()
	if err == io.EOF {
		s.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("collate %s: %w", s.name, err)
	}
	if s.seen && !s.last.Less(rec.Index) {
		panic(&PreconditionError{Side: s.name, Prev: s.last, Got: rec.Index})
	}
	s.seen = true
	s.last = rec.Index
	s.head = rec
	return nil
}
