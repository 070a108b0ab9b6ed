package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bamsammich/backtrack/internal/collate"
	"github.com/bamsammich/backtrack/internal/delta"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/store"
)

// VerifyConfig describes an integrity check of a repository.
type VerifyConfig struct {
	Mirror string
	// Full also rehashes mirror files and full-copy increment payloads.
	Full    bool
	Workers int
	Policy  *security.Policy
	TempDir string
	Events  chan<- event.Event
	Stats   *stats.Collector
}

// Problem is one integrity failure.
type Problem struct {
	Path string
	// Time is the increment's session, 0 for problems with the mirror copy.
	Time int64
	Err  error
}

func (p Problem) Error() string {
	if p.Time == 0 {
		return fmt.Sprintf("%s: %v", p.Path, p.Err)
	}
	return fmt.Sprintf("%s at %s: %v", p.Path, store.FormatTime(p.Time, false), p.Err)
}

// VerifyReport is the outcome of RunVerify.
type VerifyReport struct {
	Time       int64
	Paths      int64
	Increments int64
	Problems   []Problem
	// Orphans are increments from sessions the repository does not cover.
	Orphans []store.Increment
	Elapsed time.Duration
}

// OK reports whether the repository passed.
func (r VerifyReport) OK() bool { return len(r.Problems) == 0 && len(r.Orphans) == 0 }

// Err summarizes the report as an error, nil if it passed.
func (r VerifyReport) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("verify: %d problems, %d orphaned increments", len(r.Problems), len(r.Orphans))
}

// RunVerify checks that every path's increment chain links up from the
// current mirror back to the first session, that each increment fits the
// version it would be applied to, and that the mirror holds what the
// metadata says. It never modifies the repository.
func RunVerify(ctx context.Context, cfg VerifyConfig) (VerifyReport, error) {
	start := time.Now()
	var rep VerifyReport
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	st, err := store.Open(cfg.Mirror, store.Options{ReadOnly: true, Policy: cfg.Policy, TempDir: cfg.TempDir})
	if err != nil {
		return rep, err
	}
	defer st.Close()
	if st.NeedsRegress() {
		return rep, store.ErrNeedsRegress
	}
	if st.Empty() {
		return rep, ErrNoSession
	}
	rep.Time = st.CurrentTime()

	v := &verifier{cfg: cfg, st: st, first: st.FirstTime(), current: st.CurrentTime(), rep: &rep}
	err = runOrdered(ctx, workerCount(cfg.Workers), v.feed, v.check, v.collect, nil)
	if err != nil {
		return rep, err
	}

	err = st.EachIncrement(func(inc store.Increment) error {
		if inc.Time <= v.first || inc.Time > v.current {
			rep.Orphans = append(rep.Orphans, inc)
		}
		return ctx.Err()
	})
	if err != nil {
		return rep, err
	}

	rep.Elapsed = time.Since(start)
	slog.Info("verify finished",
		"paths", rep.Paths,
		"increments", rep.Increments,
		"problems", len(rep.Problems),
		"orphans", len(rep.Orphans),
	)
	return rep, nil
}

type verifyJob struct {
	idx meta.Index
	cur *meta.Record

	// Filled by the worker.
	increments int
	problems   []Problem
}

type verifier struct {
	cfg            VerifyConfig
	st             *store.Store
	first, current int64
	rep            *VerifyReport
}

func (v *verifier) feed(ctx context.Context, submit func(*verifyJob) error) (err error) {
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

	mirror, err := v.st.MirrorRecords()
	if err != nil {
		return fmt.Errorf("read mirror metadata: %w", err)
	}
	c := collate.New(mirror, v.st.IncrementIndices())
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
		if err := submit(&verifyJob{idx: p.Index, cur: p.A}); err != nil {
			return err
		}
	}
}

// collect runs in index order, so problems are reported sorted by path.
func (v *verifier) collect(j *verifyJob) error {
	v.rep.Paths++
	v.rep.Increments += int64(j.increments)
	v.cfg.Stats.AddFilesVerified(1)
	for _, p := range j.problems {
		v.rep.Problems = append(v.rep.Problems, p)
		v.cfg.Stats.AddVerifyFailed(1)
		slog.Warn("verify", "path", p.Path, "session", p.Time, "error", p.Err)
		emitEvent(v.cfg.Events, event.Event{Type: event.VerifyFailed, Path: p.Path, Session: p.Time, Error: p.Err})
	}
	return nil
}

func (v *verifier) check(ctx context.Context, j *verifyJob) {
	if ctx.Err() != nil {
		return
	}
	if j.cur.Exists() {
		if err := v.checkMirror(j.cur); err != nil {
			j.problems = append(j.problems, Problem{Path: j.idx.String(), Err: err})
		}
	}
	v.checkChain(j)
}

// checkMirror compares the mirror object with its committed record.
func (v *verifier) checkMirror(rec *meta.Record) error {
	path := v.st.MirrorPath(rec.Index)
	got, err := meta.StatPath(path, rec.Index)
	if err != nil {
		return fmt.Errorf("mirror copy: %w", err)
	}
	if got.Kind != rec.Kind {
		return fmt.Errorf("mirror holds %s, metadata says %s", got.Kind, rec.Kind)
	}
	switch rec.Kind {
	case meta.KindRegular:
		if got.Size != rec.Size {
			return fmt.Errorf("mirror copy is %d bytes, metadata says %d", got.Size, rec.Size)
		}
		if v.cfg.Full {
			h, err := meta.HashFile(path)
			if err != nil {
				return fmt.Errorf("hash mirror copy: %w", err)
			}
			if h != rec.Hash {
				return errors.New("mirror copy does not match recorded digest")
			}
		}
	case meta.KindSymlink:
		if got.LinkTarget != rec.LinkTarget {
			return fmt.Errorf("mirror link points to %q, metadata says %q", got.LinkTarget, rec.LinkTarget)
		}
	}
	return nil
}

// checkChain walks j's increments newest first, as reconstruction would,
// checking that each one continues from where the previous one left off.
func (v *verifier) checkChain(j *verifyJob) {
	incs, err := v.st.Increments(j.idx)
	if err != nil {
		j.problems = append(j.problems, Problem{Path: j.idx.String(), Err: err})
		return
	}
	j.increments = len(incs)

	newer := j.cur
	if !newer.Exists() {
		newer = nil
	}
	var cursor int64
	if newer != nil {
		cursor = newer.Since
	} else if n := len(incs); n > 0 {
		cursor = incs[n-1].Time
	}

	for i := len(incs) - 1; i >= 0; i-- {
		inc := incs[i]
		fail := func(err error) {
			j.problems = append(j.problems, Problem{Path: j.idx.String(), Time: inc.Time, Err: err})
		}
		if cursor != 0 && inc.Time != cursor {
			fail(fmt.Errorf("%w: expected increment at %s", store.ErrChainGap, store.FormatTime(cursor, false)))
			return
		}
		h, err := v.checkIncrement(inc, newer)
		if err != nil {
			fail(err)
			return
		}
		newer, cursor = h.Old, h.Prev
	}

	if cursor > v.first {
		j.problems = append(j.problems, Problem{
			Path: j.idx.String(),
			Time: cursor,
			Err:  fmt.Errorf("%w: no increment reaches back past %s", store.ErrChainGap, store.FormatTime(cursor, false)),
		})
	}
}

// checkIncrement validates inc against newer, the version it would be
// applied to (nil when the path is absent there), and returns its header.
func (v *verifier) checkIncrement(inc store.Increment, newer *meta.Record) (store.Header, error) {
	ir, err := v.st.OpenIncrement(inc)
	if err != nil {
		return store.Header{}, err
	}
	defer ir.Close()
	h := ir.Header

	present := newer != nil
	switch h.Tag {
	case store.TagMissing:
		if !present {
			return h, fmt.Errorf("%w: missing increment but path is absent", store.ErrChainGap)
		}
		return h, nil

	case store.TagMetadata:
		if !present || newer.Kind != h.Old.Kind {
			return h, fmt.Errorf("%w: metadata increment does not fit newer %s", store.ErrChainGap, kindName(newer))
		}
		if h.Old.IsRegular() && (h.Old.Size != newer.Size || (h.Old.Hash != "" && h.Old.Hash != newer.Hash)) {
			return h, fmt.Errorf("%w: metadata increment records different content", store.ErrChainGap)
		}
		return h, nil

	case store.TagDelta:
		if !newer.IsRegular() || !h.Old.IsRegular() {
			return h, fmt.Errorf("%w: delta increment does not fit newer %s", store.ErrChainGap, kindName(newer))
		}
		return h, checkDelta(ir, newer, h.Old)

	case store.TagSnapshot, store.TagDeletion:
		if present != (h.Tag == store.TagSnapshot) {
			return h, fmt.Errorf("%w: %s increment does not fit newer %s", store.ErrChainGap, h.Tag, kindName(newer))
		}
		if v.cfg.Full && h.Old.IsRegular() {
			got, n, err := meta.HashReader(ir)
			if err != nil {
				return h, fmt.Errorf("read payload: %w", err)
			}
			if n != h.Old.Size || got != h.Old.Hash {
				return h, fmt.Errorf("%w: payload does not match recorded digest", delta.ErrChecksumMismatch)
			}
		}
		return h, nil
	}
	return h, fmt.Errorf("%w: unknown tag %s", store.ErrCorruptIncrement, h.Tag)
}

// checkDelta decodes a delta payload and checks that it was computed
// against newer and produces old.
func checkDelta(r io.Reader, newer, old *meta.Record) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read delta: %w", err)
	}
	d, err := delta.Decode(raw)
	if err != nil {
		return err
	}
	if d.BaseSize != newer.Size || (newer.Hash != "" && hex.EncodeToString(d.BaseHash[:]) != newer.Hash) {
		return fmt.Errorf("%w: delta base is not the newer version", delta.ErrBaseMismatch)
	}
	if d.TargetSize != old.Size || (old.Hash != "" && hex.EncodeToString(d.TargetHash[:]) != old.Hash) {
		return fmt.Errorf("%w: delta target is not the recorded version", delta.ErrChecksumMismatch)
	}
	return nil
}

func kindName(r *meta.Record) string {
	if r == nil {
		return "absent version"
	}
	return r.Kind.String()
}
