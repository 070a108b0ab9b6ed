package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/backtrack/internal/delta"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

// Version is a path's state at a point in time. Regular file content is
// either the mirror file itself or a scratch file owned by the Version.
type Version struct {
	// Record is nil when the path did not exist.
	Record *meta.Record

	path    string
	scratch bool
}

// Exists reports whether the path existed.
func (v *Version) Exists() bool { return v.Record.Exists() }

// Open returns the content of a regular file version.
func (v *Version) Open() (*os.File, error) {
	if !v.Record.IsRegular() {
		return nil, fmt.Errorf("%s is a %s, not a regular file", v.Record.Index, v.Record.Kind)
	}
	return os.Open(v.path)
}

// ContentPath returns the file holding a regular version's content. The
// file must not be modified.
func (v *Version) ContentPath() string { return v.path }

// Release removes any scratch file held by v.
func (v *Version) Release() {
	if v != nil && v.scratch {
		os.Remove(v.path)
		deregisterTmp(v.path)
		v.scratch = false
	}
}

// Reconstruct returns the state of idx as of time t: the newest session at
// or before t. Times before the first session yield an absent version.
func (s *Store) Reconstruct(ctx context.Context, idx meta.Index, t int64) (*Version, error) {
	cur, err := s.MirrorRecord(idx)
	if err != nil {
		return nil, err
	}
	return s.ReconstructFrom(ctx, cur, idx, t)
}

// ReconstructFrom is Reconstruct with the committed mirror record for idx
// already known. cur is nil when the mirror does not hold idx.
func (s *Store) ReconstructFrom(ctx context.Context, cur *meta.Record, idx meta.Index, t int64) (*Version, error) {
	if s.NeedsRegress() {
		return nil, ErrNeedsRegress
	}
	v := &Version{Record: cur}
	if cur.Exists() {
		v.path = s.MirrorPath(idx)
		if err := s.opts.Policy.Check(security.OpRead, v.path); err != nil {
			return nil, err
		}
	} else {
		v.Record = nil
	}
	if t >= s.committedTime() {
		return v, nil
	}
	if t < s.first {
		return &Version{}, nil
	}

	incs, err := s.Increments(idx)
	if err != nil {
		return nil, err
	}

	var cursor int64
	if cur.Exists() {
		cursor = cur.Since
	} else if n := len(incs); n > 0 {
		cursor = incs[n-1].Time
	}

	for i := len(incs) - 1; i >= 0; i-- {
		inc := incs[i]
		if inc.Time <= t {
			break
		}
		if err := ctx.Err(); err != nil {
			v.Release()
			return nil, err
		}
		if cursor != 0 && inc.Time != cursor {
			v.Release()
			return nil, fmt.Errorf("%w: %s: expected increment at %s, found %s",
				ErrChainGap, idx, FormatTime(cursor, false), FormatTime(inc.Time, false))
		}
		next, prev, err := s.undo(v, inc)
		if err != nil {
			v.Release()
			return nil, fmt.Errorf("%s: %w", idx, err)
		}
		if next != v {
			v.Release()
		}
		v, cursor = next, prev
	}

	// The version we stopped on must have been established at or before t.
	if cursor > t && cursor > s.first {
		v.Release()
		return nil, fmt.Errorf("%w: %s: no increment for %s", ErrChainGap, idx, FormatTime(cursor, false))
	}
	return v, nil
}

// undo applies one increment to the newer version v, yielding the older
// version and the time that version was established.
func (s *Store) undo(v *Version, inc Increment) (*Version, int64, error) {
	ir, err := s.OpenIncrement(inc)
	if err != nil {
		return nil, 0, err
	}
	defer ir.Close()

	present := v.Exists()
	switch inc.Tag {
	case TagMissing:
		if !present {
			return nil, 0, fmt.Errorf("%w: missing increment at %s but path is absent",
				ErrChainGap, FormatTime(inc.Time, false))
		}
		return &Version{}, ir.Prev, nil

	case TagMetadata:
		if !present || v.Record.Kind != ir.Old.Kind {
			return nil, 0, fmt.Errorf("%w: metadata increment at %s does not fit newer %s",
				ErrChainGap, FormatTime(inc.Time, false), describe(v))
		}
		nv := &Version{Record: ir.Old, path: v.path, scratch: v.scratch}
		v.scratch = false
		return nv, ir.Prev, nil

	case TagDelta:
		if !v.Record.IsRegular() {
			return nil, 0, fmt.Errorf("%w: delta increment at %s does not fit newer %s",
				ErrChainGap, FormatTime(inc.Time, false), describe(v))
		}
		nv, err := s.applyDelta(v, ir)
		return nv, ir.Prev, err

	case TagSnapshot, TagDeletion:
		if present != (inc.Tag == TagSnapshot) {
			return nil, 0, fmt.Errorf("%w: %s increment at %s does not fit newer %s",
				ErrChainGap, inc.Tag, FormatTime(inc.Time, false), describe(v))
		}
		nv, err := s.materialize(ir)
		return nv, ir.Prev, err
	}
	return nil, 0, fmt.Errorf("%w: unknown tag %s", ErrCorruptIncrement, inc.Tag)
}

func (s *Store) applyDelta(v *Version, ir *IncrementReader) (*Version, error) {
	raw, err := io.ReadAll(ir)
	if err != nil {
		return nil, fmt.Errorf("read delta: %w", err)
	}
	d, err := delta.Decode(raw)
	if err != nil {
		return nil, err
	}
	base, err := v.Open()
	if err != nil {
		return nil, err
	}
	defer base.Close()

	out, err := s.scratchFile()
	if err != nil {
		return nil, err
	}
	if err := delta.ApplyDelta(base, d, out); err != nil {
		out.Close()
		s.dropScratch(out.Name())
		return nil, err
	}
	if err := out.Close(); err != nil {
		s.dropScratch(out.Name())
		return nil, err
	}
	return &Version{Record: ir.Old, path: out.Name(), scratch: true}, nil
}

// materialize turns a full-copy increment into a version.
func (s *Store) materialize(ir *IncrementReader) (*Version, error) {
	if !ir.Old.IsRegular() {
		return &Version{Record: ir.Old}, nil
	}
	out, err := s.scratchFile()
	if err != nil {
		return nil, err
	}
	h := meta.NewHasher()
	if _, err := io.Copy(io.MultiWriter(out, h), ir); err != nil {
		out.Close()
		s.dropScratch(out.Name())
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		s.dropScratch(out.Name())
		return nil, err
	}
	if ir.Old.Hash != "" && h.Sum() != ir.Old.Hash {
		s.dropScratch(out.Name())
		return nil, fmt.Errorf("%w: snapshot content does not match recorded digest", delta.ErrChecksumMismatch)
	}
	return &Version{Record: ir.Old, path: out.Name(), scratch: true}, nil
}

func (s *Store) scratchFile() (*os.File, error) {
	f, err := os.CreateTemp(s.opts.TempDir, scratchPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	registerTmp(f.Name())
	return f, nil
}

func (s *Store) dropScratch(path string) {
	os.Remove(path)
	deregisterTmp(path)
}

func describe(v *Version) string {
	if !v.Exists() {
		return "absent version"
	}
	return v.Record.Kind.String()
}

// IsChainError reports whether err means history for a path is unusable.
func IsChainError(err error) bool {
	return errors.Is(err, ErrChainGap) || errors.Is(err, ErrCorruptIncrement) ||
		errors.Is(err, delta.ErrCorrupt) || delta.IsMismatch(err)
}
