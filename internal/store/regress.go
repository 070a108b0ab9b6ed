package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bamsammich/backtrack/internal/delta"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

// RegressReport summarizes a rollback.
type RegressReport struct {
	// Time is the session that was rolled back, 0 if none was pending.
	Time int64
	// Restored is the time the repository now reflects.
	Restored   int64
	Undone     int
	Unchanged  int
	TmpRemoved int
}

// Regress rolls back an unfinished session so the mirror, metadata and
// increments again describe the last committed session exactly. It is
// idempotent: running it again, or after a crash part way through, finishes
// the same rollback.
func (s *Store) Regress(ctx context.Context) (RegressReport, error) {
	var rep RegressReport
	if !s.NeedsRegress() {
		if n, err := removeStrayTmp(s.root); err == nil {
			rep.TmpRemoved = n
		}
		rep.Restored = s.committedTime()
		return rep, nil
	}
	if err := s.opts.Policy.Check(security.OpDiscard, s.data); err != nil {
		return rep, err
	}

	newT, oldT := s.pending, s.current
	rep.Time, rep.Restored = newT, oldT
	slog.Info("regressing unfinished session", "session", FormatTime(newT, false), "restoring", FormatTime(oldT, false))

	n, err := removeStrayTmp(s.root)
	if err != nil {
		return rep, fmt.Errorf("remove temp files: %w", err)
	}
	rep.TmpRemoved = n
	if err := os.RemoveAll(filepath.Join(s.data, stagingName)); err != nil {
		return rep, fmt.Errorf("remove staging: %w", err)
	}

	if oldT == 0 {
		// A first session writes no increments; undoing it empties the mirror.
		undone, err := s.clearMirror()
		if err != nil {
			return rep, fmt.Errorf("clear mirror: %w", err)
		}
		rep.Undone = undone
		return rep, s.finishRegress(newT)
	}

	incs, err := s.IncrementsAt(newT)
	if err != nil {
		return rep, err
	}
	var dirs []*meta.Record
	for _, inc := range incs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		old, changed, err := s.revert(inc)
		if err != nil {
			return rep, fmt.Errorf("regress %s: %w", inc.Index, err)
		}
		if changed {
			rep.Undone++
		} else {
			rep.Unchanged++
		}
		if old.IsDir() {
			dirs = append(dirs, old)
		}
		if err := s.removeIncrement(inc); err != nil {
			return rep, err
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		s.stampDir(dirs[i])
	}

	if s.findStamped(metadataPrefix, metadataSuffix, oldT) == "" {
		return rep, fmt.Errorf("metadata for %s is missing; cannot regress", FormatTime(oldT, false))
	}
	return rep, s.finishRegress(newT)
}

// finishRegress drops newT's metadata and marker, then reloads state.
func (s *Store) finishRegress(newT int64) error {
	if p := s.findStamped(metadataPrefix, metadataSuffix, newT); p != "" {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove metadata: %w", err)
		}
	}
	if p := s.findStamped(markerPrefix, markerSuffix, newT); p != "" {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove marker: %w", err)
		}
	}
	if err := s.journal.MarkRegressed(newT); err != nil {
		slog.Warn("journal", "error", err)
	}
	return s.loadState()
}

// clearMirror removes every top-level mirror entry except the data
// directory and reports how many it removed.
func (s *Store) clearMirror() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Name() == DataDir {
			continue
		}
		if err := removeAll(filepath.Join(s.root, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// revert puts inc's path back to the state recorded in its header. It
// reports the restored record and whether the mirror had to change.
func (s *Store) revert(inc Increment) (*meta.Record, bool, error) {
	ir, err := s.OpenIncrement(inc)
	if err != nil {
		return nil, false, err
	}
	defer ir.Close()

	path := s.MirrorPath(inc.Index)
	if err := s.opts.Policy.Check(security.OpWrite, path); err != nil {
		return nil, false, err
	}
	cur, err := meta.StatPath(path, inc.Index)
	if err != nil && !isAbsent(err) {
		return nil, false, err
	}

	if inc.Tag == TagMissing {
		if cur == nil {
			return nil, false, nil
		}
		return nil, true, removeAll(path)
	}

	old := ir.Old
	if matchesMirror(cur, old, path) {
		s.restoreAttrs(old)
		return old, false, nil
	}

	switch {
	case inc.Tag == TagMetadata:
		if cur == nil || cur.Kind != old.Kind {
			return nil, false, fmt.Errorf("mirror holds %s, metadata increment expects %s", kindOf(cur), old.Kind)
		}
		s.restoreAttrs(old)
		return old, true, nil

	case inc.Tag == TagDelta:
		if cur == nil || !cur.IsRegular() {
			return nil, false, fmt.Errorf("mirror holds %s, delta needs a regular file", kindOf(cur))
		}
		if err := s.revertDelta(path, ir); err != nil {
			return nil, false, err
		}

	case old.IsDir():
		if cur != nil && !cur.IsDir() {
			if err := removeAll(path); err != nil {
				return nil, false, err
			}
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, false, err
		}

	case old.IsRegular():
		if err := s.revertContent(path, cur, ir); err != nil {
			return nil, false, err
		}

	default:
		if cur != nil {
			if err := removeAll(path); err != nil {
				return nil, false, err
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, false, err
		}
		if err := MakeNode(path, old); err != nil {
			return nil, false, fmt.Errorf("recreate %s: %w", old.Kind, err)
		}
	}
	s.restoreAttrs(old)
	return old, true, nil
}

func (s *Store) revertDelta(path string, ir *IncrementReader) error {
	raw, err := io.ReadAll(ir)
	if err != nil {
		return err
	}
	d, err := delta.Decode(raw)
	if err != nil {
		return err
	}
	base, err := os.Open(path)
	if err != nil {
		return err
	}
	defer base.Close()

	tf, err := CreateTemp(path, s.opts.Fsync)
	if err != nil {
		return err
	}
	if err := delta.ApplyDelta(base, d, tf); err != nil {
		tf.Discard()
		return err
	}
	return tf.Commit()
}

func (s *Store) revertContent(path string, cur *meta.Record, ir *IncrementReader) error {
	if cur != nil && cur.IsDir() {
		if err := removeAll(path); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tf, err := CreateTemp(path, s.opts.Fsync)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tf, ir); err != nil {
		tf.Discard()
		return err
	}
	return tf.Commit()
}

func (s *Store) restoreAttrs(old *meta.Record) {
	if old.IsDir() {
		_ = chmodMirror(s.MirrorPath(old.Index), old)
		return
	}
	s.stampMirror(old)
}

// matchesMirror reports whether the mirror object already holds old's
// content, which is the case when the session died before advancing it.
func matchesMirror(cur, old *meta.Record, path string) bool {
	if !cur.Exists() || !old.Exists() || cur.Kind != old.Kind {
		return false
	}
	if old.IsRegular() {
		if cur.Size != old.Size || old.Hash == "" {
			return false
		}
		h, err := meta.HashFile(path)
		return err == nil && h == old.Hash
	}
	probe := cur.Clone()
	probe.Hash = old.Hash
	return probe.SameContent(old)
}

func kindOf(r *meta.Record) string {
	if r == nil {
		return "nothing"
	}
	return r.Kind.String()
}

// IsNeedsRegress reports whether err is ErrNeedsRegress.
func IsNeedsRegress(err error) bool { return errors.Is(err, ErrNeedsRegress) }
