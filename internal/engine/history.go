package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bamsammich/backtrack/internal/collate"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/store"
)

// RepoConfig locates a repository for the read-only queries and regress.
type RepoConfig struct {
	Mirror string
	Policy *security.Policy
}

func (c RepoConfig) open(readOnly bool) (*store.Store, error) {
	return store.Open(c.Mirror, store.Options{ReadOnly: readOnly, Policy: c.Policy})
}

// ListSessions returns every restorable session, oldest first.
func ListSessions(cfg RepoConfig) ([]store.SessionSummary, error) {
	st, err := cfg.open(true)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if st.NeedsRegress() {
		return nil, store.ErrNeedsRegress
	}
	return st.History()
}

// ChangeStatus says how a path differs between two sessions.
type ChangeStatus int

const (
	ChangeNew ChangeStatus = iota + 1
	ChangeChanged
	ChangeDeleted
)

func (s ChangeStatus) String() string {
	switch s {
	case ChangeNew:
		return "new"
	case ChangeChanged:
		return "changed"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is one path that differs between a past session and the current
// mirror.
type Change struct {
	Path   string
	Status ChangeStatus
}

// ListAt returns the records of every path that existed at the newest
// session at or before t, in index order. Only increment headers are read;
// no content is reconstructed.
func ListAt(ctx context.Context, cfg RepoConfig, t int64) (int64, []*meta.Record, error) {
	st, err := cfg.open(true)
	if err != nil {
		return 0, nil, err
	}
	defer st.Close()
	if st.NeedsRegress() {
		return 0, nil, store.ErrNeedsRegress
	}
	at, err := resolveSession(st, t)
	if err != nil {
		return 0, nil, err
	}

	var out []*meta.Record
	err = eachPath(ctx, st, func(idx meta.Index, cur *meta.Record) error {
		rec, err := recordAt(st, idx, cur, at)
		if err != nil {
			return fmt.Errorf("%s: %w", idx, err)
		}
		if rec.Exists() {
			out = append(out, rec)
		}
		return nil
	})
	return at, out, err
}

// ChangedSince lists the paths whose current version differs from the one
// at the newest session at or before t.
func ChangedSince(ctx context.Context, cfg RepoConfig, t int64) (int64, []Change, error) {
	st, err := cfg.open(true)
	if err != nil {
		return 0, nil, err
	}
	defer st.Close()
	if st.NeedsRegress() {
		return 0, nil, store.ErrNeedsRegress
	}
	at, err := resolveSession(st, t)
	if err != nil {
		return 0, nil, err
	}

	var out []Change
	err = eachPath(ctx, st, func(idx meta.Index, cur *meta.Record) error {
		if cur.Exists() && cur.Since <= at {
			return nil
		}
		old, err := recordAt(st, idx, cur, at)
		if err != nil {
			return fmt.Errorf("%s: %w", idx, err)
		}
		var status ChangeStatus
		switch {
		case !cur.Exists() && old.Exists():
			status = ChangeDeleted
		case cur.Exists() && !old.Exists():
			status = ChangeNew
		case cur.Exists():
			status = ChangeChanged
		default:
			return nil
		}
		out = append(out, Change{Path: idx.String(), Status: status})
		return nil
	})
	return at, out, err
}

// IncrementInfo is an increment with its size on disk.
type IncrementInfo struct {
	store.Increment
	Bytes int64
}

// ListIncrements returns the increments recorded for path, oldest first,
// and its current record, nil if the path is not in the mirror.
func ListIncrements(cfg RepoConfig, path string) (*meta.Record, []IncrementInfo, error) {
	st, err := cfg.open(true)
	if err != nil {
		return nil, nil, err
	}
	defer st.Close()
	if st.NeedsRegress() {
		return nil, nil, store.ErrNeedsRegress
	}

	idx := meta.ParseIndex(path)
	cur, err := st.MirrorRecord(idx)
	if err != nil {
		return nil, nil, err
	}
	incs, err := st.Increments(idx)
	if err != nil {
		return nil, nil, err
	}
	out := make([]IncrementInfo, len(incs))
	for i, inc := range incs {
		out[i].Increment = inc
		if fi, err := os.Stat(inc.Path); err == nil {
			out[i].Bytes = fi.Size()
		}
	}
	return cur, out, nil
}

// Regress rolls back an unfinished session, if there is one, and removes
// stray temp files.
func Regress(ctx context.Context, cfg RepoConfig) (store.RegressReport, error) {
	st, err := cfg.open(false)
	if err != nil {
		return store.RegressReport{}, err
	}
	defer st.Close()
	rep, err := st.Regress(ctx)
	if err != nil {
		return rep, err
	}
	if rep.Time != 0 {
		slog.Info("regressed",
			"session", store.FormatTime(rep.Time, false),
			"restored", store.FormatTime(rep.Restored, false),
			"undone", rep.Undone,
		)
	}
	return rep, nil
}

// eachPath calls fn for every path in the mirror or its history, in index
// order. cur is the committed mirror record, nil if the mirror lacks it.
func eachPath(ctx context.Context, st *store.Store, fn func(idx meta.Index, cur *meta.Record) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var pe *collate.PreconditionError
			if e, ok := r.(error); ok && errors.As(e, &pe) {
				err = pe
				return
			}
			panic(r)
		}
	}()

	mirror, err := st.MirrorRecords()
	if err != nil {
		return fmt.Errorf("read mirror metadata: %w", err)
	}
	c := collate.New(mirror, st.IncrementIndices())
	defer c.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := c.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(p.Index, p.A); err != nil {
			return err
		}
	}
}

// recordAt walks idx's increment headers back to session t and returns the
// record in force then, nil if the path did not exist.
func recordAt(st *store.Store, idx meta.Index, cur *meta.Record, t int64) (*meta.Record, error) {
	if !cur.Exists() {
		cur = nil
	}
	if cur != nil && cur.Since <= t {
		return cur, nil
	}
	incs, err := st.Increments(idx)
	if err != nil {
		return nil, err
	}

	rec := cur
	var cursor int64
	if rec != nil {
		cursor = rec.Since
	} else if n := len(incs); n > 0 {
		cursor = incs[n-1].Time
	}
	for i := len(incs) - 1; i >= 0 && incs[i].Time > t; i-- {
		inc := incs[i]
		if cursor != 0 && inc.Time != cursor {
			return nil, fmt.Errorf("%w: expected increment at %s", store.ErrChainGap, store.FormatTime(cursor, false))
		}
		h, err := st.ReadHeader(inc)
		if err != nil {
			return nil, err
		}
		rec, cursor = h.Old, h.Prev
	}
	return rec, nil
}
