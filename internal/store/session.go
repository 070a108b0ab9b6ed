package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

// Session is an in-flight backup. Every change to a path is recorded as an
// increment before the mirror copy is advanced, so a crash at any point can
// be undone by Regress. A Session is not safe for concurrent use.
type Session struct {
	s       *Store
	time    int64
	first   int64
	initial bool

	md *TempFile
	zw *zstd.Encoder
	mw *meta.Writer

	deferred []func() error
	dirs     []*meta.Record

	increments     int64
	incrementBytes int64
	done           bool
}

// Begin starts a session at time t. It writes the new mirror marker first;
// from then until Commit the repository reads as needing regress.
func (s *Store) Begin(t int64, source string) (*Session, error) {
	if err := s.opts.Policy.Check(security.OpWrite, s.data); err != nil {
		return nil, err
	}
	if s.NeedsRegress() {
		return nil, ErrNeedsRegress
	}
	if cur := s.committedTime(); cur != 0 && t <= cur {
		return nil, fmt.Errorf("%w: %s <= %s", ErrStaleTime, FormatTime(t, false), FormatTime(cur, false))
	}

	ss := &Session{s: s, time: t, first: s.first, initial: s.Empty()}
	if ss.initial {
		if err := s.checkMirrorEmpty(); err != nil {
			return nil, err
		}
		ss.first = t
	}

	pid := []byte("PID " + strconv.Itoa(os.Getpid()) + "\n")
	if err := renameio.WriteFile(s.markerPath(t), pid, 0o600); err != nil {
		return nil, fmt.Errorf("write mirror marker: %w", err)
	}
	s.markers = append(s.markers, t)
	s.pending = t

	md, err := CreateTemp(s.metadataPath(t), s.opts.Fsync)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(md, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		md.Discard()
		return nil, fmt.Errorf("metadata encoder: %w", err)
	}
	ss.md, ss.zw, ss.mw = md, zw, meta.NewWriter(zw)
	if err := ss.mw.Encode(metadataHeader{Version: metadataVersion, Time: t, First: ss.first}); err != nil {
		ss.discardMetadata()
		return nil, fmt.Errorf("metadata header: %w", err)
	}

	if err := s.journal.Begin(t, source); err != nil {
		slog.Warn("journal", "error", err)
	}
	return ss, nil
}

// Time returns the session time.
func (ss *Session) Time() int64 { return ss.time }

// Initial reports whether this is the repository's first session, which
// writes no increments.
func (ss *Session) Initial() bool { return ss.initial }

// Store returns the repository the session writes to.
func (ss *Session) Store() *Store { return ss.s }

// WriteIncrement records the previous state of idx. The header's Time is set
// to the session time.
func (ss *Session) WriteIncrement(idx meta.Index, h Header, payload io.Reader) (Increment, error) {
	h.Time = ss.time
	inc, n, err := ss.s.writeIncrement(idx, h, payload)
	if err != nil {
		return Increment{}, err
	}
	ss.increments++
	ss.incrementBytes += n
	return inc, nil
}

// DiscardIncrement removes an increment written earlier in this session,
// used when the matching mirror update fails.
func (ss *Session) DiscardIncrement(inc Increment) error {
	if inc.Time != ss.time {
		return fmt.Errorf("increment %s is not from this session", inc.Path)
	}
	if err := ss.s.removeIncrement(inc); err != nil {
		return err
	}
	ss.increments--
	return nil
}

// Record appends rec to the new metadata snapshot. Records must arrive in
// index order.
func (ss *Session) Record(rec *meta.Record) error {
	return ss.mw.Write(rec)
}

// RecordFailure logs a path that could not be backed up.
func (ss *Session) RecordFailure(idx meta.Index, err error) {
	if jerr := ss.s.journal.RecordFailure(ss.time, idx.String(), err.Error()); jerr != nil {
		slog.Warn("journal", "error", jerr)
	}
}

// Increments returns the number and total size of increments written.
func (ss *Session) Increments() (int64, int64) { return ss.increments, ss.incrementBytes }

// Commit finishes deferred mirror work, publishes the new metadata and
// retires the previous session's marker.
func (ss *Session) Commit(c SessionCounts) error {
	if ss.done {
		return errors.New("session already finished")
	}
	for i := len(ss.deferred) - 1; i >= 0; i-- {
		if err := ss.deferred[i](); err != nil {
			return fmt.Errorf("finish mirror update: %w", err)
		}
	}
	ss.deferred = nil
	for i := len(ss.dirs) - 1; i >= 0; i-- {
		ss.s.stampDir(ss.dirs[i])
	}

	if err := ss.zw.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := ss.md.Commit(); err != nil {
		return fmt.Errorf("publish metadata: %w", err)
	}
	ss.done = true

	c.Increments, c.IncrementBytes = ss.increments, ss.incrementBytes
	if err := ss.s.journal.Commit(ss.time, c); err != nil {
		slog.Warn("journal", "error", err)
	}

	for _, t := range ss.s.markers {
		if t == ss.time {
			continue
		}
		if p := ss.s.findStamped(markerPrefix, markerSuffix, t); p != "" {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("retire marker: %w", err)
			}
		}
	}
	ss.s.markers = []int64{ss.time}
	ss.s.current, ss.s.pending = ss.time, 0
	ss.s.first = ss.first
	ss.s.sweepMetadata(ss.time)
	return nil
}

// Abort abandons the session. The marker stays, so the repository needs
// Regress before it can be used again.
func (ss *Session) Abort() {
	if ss.done {
		return
	}
	ss.done = true
	ss.discardMetadata()
}

func (ss *Session) discardMetadata() {
	if ss.zw != nil {
		_ = ss.zw.Close()
	}
	ss.md.Discard()
}

// checkMirrorEmpty refuses a first session on a mirror root holding
// anything but repository data, since rolling that session back clears the
// root.
func (s *Store) checkMirrorEmpty() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read mirror root: %w", err)
	}
	for _, e := range entries {
		if e.Name() != DataDir {
			return fmt.Errorf("%w: %s holds %s", ErrMirrorNotEmpty, s.root, e.Name())
		}
	}
	return nil
}

// sweepMetadata removes metadata snapshots other than keep's.
func (s *Store) sweepMetadata(keep int64) {
	entries, err := os.ReadDir(s.data)
	if err != nil {
		return
	}
	for _, e := range entries {
		t, ok := parseStamped(e.Name(), metadataPrefix, metadataSuffix)
		if !ok || t == keep {
			continue
		}
		if err := os.Remove(filepath.Join(s.data, e.Name())); err != nil {
			slog.Warn("remove old metadata", "file", e.Name(), "error", err)
		}
	}
}
