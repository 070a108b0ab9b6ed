package store

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

var incMagic = [4]byte{'B', 'T', 'I', '1'}

// ErrCorruptIncrement means an increment file could not be parsed.
var ErrCorruptIncrement = errors.New("corrupt increment")

// Increment is one increment file on disk.
type Increment struct {
	Index      meta.Index
	Time       int64
	Tag        Tag
	Path       string
	Compressed bool
}

// Header is the record stored at the front of every increment.
type Header struct {
	Tag  Tag   `cbor:"1,keyasint"`
	Time int64 `cbor:"2,keyasint"`
	// Prev is the session time at which Old entered the mirror, or the time
	// the path was last deleted for TagMissing. Zero means unknown or never.
	Prev int64 `cbor:"3,keyasint,omitempty"`
	// Old is the version this increment restores; nil for TagMissing.
	Old *meta.Record `cbor:"4,keyasint,omitempty"`
}

// incBase returns the path prefix for increments of idx.
func (s *Store) incBase(idx meta.Index) string {
	return filepath.Join(append([]string{s.data, incrementsName}, idx...)...)
}

func (s *Store) incPath(idx meta.Index, t int64, tag Tag, compressed bool) string {
	p := s.incBase(idx) + "." + FormatTime(t, s.opts.CompatTimestamps) + "." + tag.String()
	if compressed {
		p += zstSuffix
	}
	return p
}

// Increments returns the increments recorded for idx, oldest first.
func (s *Store) Increments(idx meta.Index) ([]Increment, error) {
	base := s.incBase(idx)
	dir, name := filepath.Split(base)

	entries, err := s.listDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Increment
	for _, e := range entries {
		if e.name != name || !e.inc {
			continue
		}
		out = append(out, Increment{
			Index:      idx,
			Time:       e.time,
			Tag:        e.tag,
			Path:       filepath.Join(dir, e.file),
			Compressed: e.compressed,
		})
	}
	slices.SortFunc(out, func(a, b Increment) int { return cmp.Compare(a.Time, b.Time) })
	return out, nil
}

// writeIncrement writes the header and payload atomically. payload may be
// nil.
func (s *Store) writeIncrement(idx meta.Index, h Header, payload io.Reader) (Increment, int64, error) {
	compressed := payload != nil && s.shouldCompress(idx)
	final := s.incPath(idx, h.Time, h.Tag, compressed)
	if err := s.opts.Policy.Check(security.OpWrite, final); err != nil {
		return Increment{}, 0, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return Increment{}, 0, fmt.Errorf("create increment dir: %w", err)
	}

	tf, err := CreateTemp(final, s.opts.Fsync)
	if err != nil {
		return Increment{}, 0, err
	}
	if err := encodeIncrement(tf, h, payload, compressed); err != nil {
		tf.Discard()
		return Increment{}, 0, fmt.Errorf("write increment %s: %w", final, err)
	}
	size, _ := tf.Seek(0, io.SeekCurrent)
	if err := tf.Commit(); err != nil {
		return Increment{}, 0, err
	}
	s.invalidateDir(filepath.Dir(final))
	return Increment{Index: idx, Time: h.Time, Tag: h.Tag, Path: final, Compressed: compressed}, size, nil
}

func encodeIncrement(w io.Writer, h Header, payload io.Reader, compressed bool) error {
	hdr, err := meta.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	var zw *zstd.Encoder
	if compressed {
		zw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		w = zw
	}

	var pre [8]byte
	copy(pre[:4], incMagic[:])
	binary.BigEndian.PutUint32(pre[4:], uint32(len(hdr))) //nolint:gosec // G115: headers are small
	if _, err := w.Write(pre[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if payload != nil {
		if _, err := io.Copy(w, payload); err != nil {
			return err
		}
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

// IncrementReader exposes an increment's header and streams its payload.
type IncrementReader struct {
	Header
	io.Reader
	closers []func()
}

func (r *IncrementReader) Close() error {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	return nil
}

// OpenIncrement parses inc's header and positions the reader at the payload.
func (s *Store) OpenIncrement(inc Increment) (*IncrementReader, error) {
	if err := s.opts.Policy.Check(security.OpRead, inc.Path); err != nil {
		return nil, err
	}
	f, err := os.Open(inc.Path)
	if err != nil {
		return nil, fmt.Errorf("open increment: %w", err)
	}
	ir := &IncrementReader{closers: []func(){func() { f.Close() }}}
	var r io.Reader = f
	if inc.Compressed {
		zr, err := zstd.NewReader(f)
		if err != nil {
			ir.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIncrement, inc.Path, err)
		}
		ir.closers = append(ir.closers, zr.Close)
		r = zr
	}

	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil || !bytes.Equal(pre[:4], incMagic[:]) {
		ir.Close()
		return nil, fmt.Errorf("%w: %s: bad preamble", ErrCorruptIncrement, inc.Path)
	}
	n := binary.BigEndian.Uint32(pre[4:])
	if n > 1<<24 {
		ir.Close()
		return nil, fmt.Errorf("%w: %s: header of %d bytes", ErrCorruptIncrement, inc.Path, n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		ir.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIncrement, inc.Path, err)
	}
	if err := meta.Unmarshal(hdr, &ir.Header); err != nil {
		ir.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIncrement, inc.Path, err)
	}
	if ir.Tag != inc.Tag || ir.Time != inc.Time {
		ir.Close()
		return nil, fmt.Errorf("%w: %s: header says %s at %d", ErrCorruptIncrement, inc.Path, ir.Tag, ir.Time)
	}
	if ir.Tag != TagMissing && ir.Old == nil {
		ir.Close()
		return nil, fmt.Errorf("%w: %s: no previous record", ErrCorruptIncrement, inc.Path)
	}
	ir.Reader = r
	return ir, nil
}

// ReadHeader returns only the header of inc.
func (s *Store) ReadHeader(inc Increment) (Header, error) {
	ir, err := s.OpenIncrement(inc)
	if err != nil {
		return Header{}, err
	}
	defer ir.Close()
	return ir.Header, nil
}

func (s *Store) removeIncrement(inc Increment) error {
	if err := os.Remove(inc.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove increment: %w", err)
	}
	s.invalidateDir(filepath.Dir(inc.Path))
	return nil
}

func (s *Store) shouldCompress(idx meta.Index) bool {
	if !s.opts.Compress {
		return false
	}
	return s.opts.NotCompressed == nil || !s.opts.NotCompressed.MatchString(idx.Name())
}
