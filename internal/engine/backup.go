package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/backtrack/internal/collate"
	"github.com/bamsammich/backtrack/internal/delta"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/hardlink"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/store"
	"github.com/bamsammich/backtrack/internal/transport"
)

// BackupConfig describes one backup session.
type BackupConfig struct {
	Source transport.Source
	Mirror string
	// Time is the session time in unix seconds. Zero means now.
	Time    int64
	Filter  meta.Selector
	Workers int
	// Compare selects the attributes that decide whether a path changed.
	// Nil uses meta.DefaultCompareOpts.
	Compare       *meta.CompareOpts
	NoHardlinks   bool
	NoCompression bool
	// NotCompressed overrides store.DefaultNotCompressed.
	NotCompressed    *regexp.Regexp
	Xattrs           bool
	Names            bool
	Fsync            bool
	CompatTimestamps bool
	// BWLimit caps source reads in bytes per second. Zero is unlimited.
	BWLimit int64
	Policy  *security.Policy
	TempDir string
	Events  chan<- event.Event
	Stats   *stats.Collector
}

// BackupSummary reports a finished session.
type BackupSummary struct {
	Time           int64
	Initial        bool
	Files          int64
	New            int64
	Changed        int64
	Deleted        int64
	Unchanged      int64
	Increments     int64
	IncrementBytes int64
	Failures       []*PathError
	// Regressed is set when an unfinished earlier session had to be rolled
	// back first.
	Regressed *store.RegressReport
	Elapsed   time.Duration
}

// Err combines the per-path failures, nil if there were none.
func (s BackupSummary) Err() error { return combineFailures(s.Failures) }

// RunBackup mirrors cfg.Source into the repository at cfg.Mirror, recording
// the previous state of every changed path as a reverse increment. Per-path
// failures are collected in the summary; the returned error is set only when
// the session could not be committed, in which case it has been rolled back
// along with any content still staged.
func RunBackup(ctx context.Context, cfg BackupConfig) (BackupSummary, error) {
	start := time.Now()
	var sum BackupSummary
	if cfg.Source == nil {
		return sum, errors.New("backup: no source")
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	notCompressed := cfg.NotCompressed
	if notCompressed == nil {
		notCompressed = store.DefaultNotCompressed
	}

	st, err := store.Open(cfg.Mirror, store.Options{
		Create:           true,
		Compress:         !cfg.NoCompression,
		NotCompressed:    notCompressed,
		Fsync:            cfg.Fsync,
		CompatTimestamps: cfg.CompatTimestamps,
		Policy:           cfg.Policy,
		TempDir:          cfg.TempDir,
	})
	if err != nil {
		return sum, err
	}
	defer st.Close()

	if st.NeedsRegress() {
		rep, err := st.Regress(ctx)
		if err != nil {
			return sum, fmt.Errorf("roll back unfinished session: %w", err)
		}
		sum.Regressed = &rep
		emitEvent(cfg.Events, event.Event{Type: event.Regressed, Session: rep.Time})
	}

	t := cfg.Time
	if t == 0 {
		t = time.Now().Unix()
	}
	ss, err := st.Begin(t, cfg.Source.Root())
	if err != nil {
		return sum, err
	}
	sum.Time, sum.Initial = t, ss.Initial()
	slog.Info("backup started",
		"session", store.FormatTime(t, false),
		"source", cfg.Source.Root(),
		"mirror", st.Root(),
		"initial", ss.Initial(),
	)
	emitEvent(cfg.Events, event.Event{Type: event.SessionStarted, Session: t, Path: cfg.Source.Root()})

	b := newBackup(cfg, st, ss)
	err = runOrdered(ctx, workerCount(cfg.Workers), b.feed, b.stage, b.commit, (*backupJob).discard)
	if err == nil {
		err = ss.Commit(b.counts())
	}
	if err != nil {
		ss.Abort()
		if _, rerr := st.Regress(context.WithoutCancel(ctx)); rerr != nil {
			slog.Warn("could not roll back failed session; run regress", "error", rerr)
		}
		return b.summarize(sum, ss, start), err
	}

	sum = b.summarize(sum, ss, start)
	slog.Info("backup committed",
		"session", store.FormatTime(t, false),
		"files", sum.Files,
		"changed", sum.New+sum.Changed+sum.Deleted,
		"increments", sum.Increments,
		"failures", len(sum.Failures),
	)
	emitEvent(cfg.Events, event.Event{Type: event.SessionCommitted, Session: t, Size: sum.IncrementBytes})
	return sum, nil
}

// backupJob is one collated path on its way through the pipeline.
type backupJob struct {
	idx meta.Index
	old *meta.Record // committed mirror record, nil if absent
	rec *meta.Record // source record, nil if absent
	obs hardlink.Observation
	// keep means old is recorded again untouched.
	keep bool

	// Filled by the worker.
	staged *store.TempFile
	hash   string
	size   int64
	same   bool   // staged content equals old content
	delta  []byte // encoded reverse delta, set when old is a regular file
	err    error
}

func (j *backupJob) discard() {
	if j.staged != nil {
		j.staged.Discard()
		j.staged = nil
	}
}

type backup struct {
	cfg     BackupConfig
	st      *store.Store
	ss      *store.Session
	compare meta.CompareOpts
	tracker *hardlink.Tracker
	limiter *rate.Limiter
	stats   *stats.Collector

	mu       sync.Mutex
	failures []*PathError

	// Touched only by the feed goroutine.
	scanFailed []meta.Index

	// Touched only by the commit goroutine.
	failedDirs                                []meta.Index
	files, added, changed, deleted, unchanged int64
}

func newBackup(cfg BackupConfig, st *store.Store, ss *store.Session) *backup {
	b := &backup{
		cfg:     cfg,
		st:      st,
		ss:      ss,
		compare: meta.DefaultCompareOpts,
		stats:   cfg.Stats,
	}
	if cfg.Compare != nil {
		b.compare = *cfg.Compare
	}
	if !cfg.NoHardlinks && cfg.Source.Caps().Inodes {
		b.tracker = hardlink.NewTracker()
	}
	b.limiter = NewBWLimiter(cfg.BWLimit)
	return b
}

// feed collates the committed mirror against the source and submits every
// path in index order.
func (b *backup) feed(ctx context.Context, submit func(*backupJob) error) (err error) {
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

	mirror, err := b.st.MirrorRecords()
	if err != nil {
		return fmt.Errorf("read mirror metadata: %w", err)
	}
	src, err := b.cfg.Source.Records(ctx, transport.ScanOptions{
		Selector: b.cfg.Filter,
		SkipRoot: []string{store.DataDir},
		Xattrs:   b.cfg.Xattrs,
		Names:    b.cfg.Names,
		OnError:  b.scanError,
	})
	if err != nil {
		mirror.Close()
		return fmt.Errorf("scan source: %w", err)
	}
	c := collate.New(mirror, src)
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
			return fmt.Errorf("scan: %w", err)
		}
		if err := submit(b.classify(p)); err != nil {
			return err
		}
	}
}

func (b *backup) scanError(idx meta.Index, err error) {
	b.scanFailed = append(b.scanFailed, idx)
	b.fail(idx, "scan", err)
}

func (b *backup) classify(p collate.Pair) *backupJob {
	j := &backupJob{idx: p.Index, old: p.A, rec: p.B, obs: hardlink.Observation{Class: hardlink.NoClass}}
	if j.rec == nil {
		j.keep = j.old != nil && underAny(j.idx, b.scanFailed)
		return j
	}
	b.stats.AddFilesScanned(1)
	if b.tracker != nil && j.rec.IsRegular() {
		j.obs = b.tracker.Observe(j.rec)
		if j.obs.Class != hardlink.NoClass {
			j.rec = j.rec.WithLinkLeader(j.obs.Leader)
		}
	}
	j.keep = j.old.Exists() && j.old.Equivalent(j.rec, b.compare)
	return j
}

// stage runs on a worker: it copies new regular content into the staging
// area and, when the old version was a regular file too, computes the
// reverse delta that rebuilds it from the new content.
func (b *backup) stage(ctx context.Context, j *backupJob) {
	if j.keep || !j.rec.IsRegular() || j.obs.Action == hardlink.ReferenceLeader {
		return
	}
	if err := ctx.Err(); err != nil {
		j.err = err
		return
	}
	j.err = b.stageContent(ctx, j)
	if j.err != nil {
		j.discard()
	}
}

func (b *backup) stageContent(ctx context.Context, j *backupJob) error {
	tf, err := b.ss.Stage(j.idx)
	if err != nil {
		return err
	}
	j.staged = tf

	r, err := b.cfg.Source.Open(j.idx)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer r.Close()

	h := meta.NewHasher()
	n, err := io.Copy(io.MultiWriter(tf, h), throttle(ctx, r, b.limiter))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	b.stats.AddBytesRead(n)
	j.hash, j.size = h.Sum(), n

	if b.ss.Initial() || !j.old.IsRegular() {
		return nil
	}
	if j.old.Hash == j.hash && j.old.Size == n {
		j.same = true
		return nil
	}
	j.delta, err = b.reverseDelta(tf, n, j.old)
	return err
}

// reverseDelta encodes old's mirror content against the staged new content.
func (b *backup) reverseDelta(tf *store.TempFile, n int64, old *meta.Record) ([]byte, error) {
	mf, err := os.Open(b.st.MirrorPath(old.Index))
	if err != nil {
		return nil, fmt.Errorf("open mirror copy: %w", err)
	}
	defer mf.Close()

	d, err := delta.ComputeDelta(io.NewSectionReader(tf.File, 0, n), n, mf)
	if err != nil {
		return nil, fmt.Errorf("reverse delta: %w", err)
	}
	enc, err := d.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return enc, nil
}

// commit runs on the single committer goroutine in index order.
func (b *backup) commit(j *backupJob) error {
	if j.rec != nil {
		b.files++
	}
	rec, err := b.apply(j)
	if err != nil {
		j.discard()
		if isFatal(err) {
			return err
		}
		b.fail(j.idx, "backup", err)
		if j.rec.IsDir() && !j.old.IsDir() {
			b.failedDirs = append(b.failedDirs, j.idx)
		}
		if j.obs.Class != hardlink.NoClass {
			b.tracker.Forget(j.obs.Class, j.idx)
		}
		rec = j.old
	}
	if rec == nil {
		return nil
	}
	if err := b.ss.Record(rec); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (b *backup) apply(j *backupJob) (*meta.Record, error) {
	if j.keep {
		b.unchanged++
		b.stats.AddFilesUnchanged(1)
		if b.tracker != nil {
			b.tracker.SetHash(j.obs.Class, j.old.Hash)
		}
		return j.old, nil
	}
	if j.err != nil {
		return nil, j.err
	}
	if j.rec == nil {
		return nil, b.applyDelete(j)
	}
	if underAny(j.idx.Parent(), b.failedDirs) {
		return nil, errParentFailed
	}

	rec := j.rec.WithSince(b.ss.Time())
	var err error
	switch {
	case j.obs.Action == hardlink.ReferenceLeader:
		err = b.applyLink(j, rec)
	case rec.IsRegular():
		err = b.applyFile(j, rec)
	default:
		err = b.applySpecial(j, rec)
	}
	if err != nil {
		return nil, err
	}

	if j.old.Exists() {
		b.changed++
		b.stats.AddFilesChanged(1)
		emitEvent(b.cfg.Events, event.Event{Type: event.PathChanged, Path: j.idx.String(), Size: rec.Size})
	} else {
		b.added++
		b.stats.AddFilesNew(1)
		emitEvent(b.cfg.Events, event.Event{Type: event.PathNew, Path: j.idx.String(), Size: rec.Size})
	}
	return rec, nil
}

func (b *backup) applyFile(j *backupJob, rec *meta.Record) error {
	rec.Hash, rec.Size = j.hash, j.size

	tag := store.TagSnapshot
	switch {
	case j.same:
		tag = store.TagMetadata
	case j.delta != nil:
		tag = store.TagDelta
	}
	inc, err := b.increment(j, tag, j.delta)
	if err != nil {
		return err
	}

	if j.same {
		j.discard()
		err = b.ss.UpdateAttrs(rec)
	} else {
		err = b.ss.InstallFile(j.old, rec, j.staged)
		j.staged = nil
	}
	if err != nil {
		b.undo(inc)
		return err
	}
	if b.tracker != nil {
		b.tracker.SetHash(j.obs.Class, rec.Hash)
	}
	return nil
}

// applyLink records a hard link group member. Its content is the leader's,
// which the committer has already handled.
func (b *backup) applyLink(j *backupJob, rec *meta.Record) error {
	class, _ := b.tracker.Class(j.obs.Class)
	if class.Hash == "" {
		return errLeaderFailed
	}
	rec.Hash = class.Hash

	tag := store.TagSnapshot
	if j.old.IsRegular() && j.old.Hash == rec.Hash && j.old.Size == rec.Size {
		tag = store.TagMetadata
	}
	inc, err := b.increment(j, tag, nil)
	if err != nil {
		return err
	}
	if err := b.ss.InstallLink(j.old, rec, j.obs.Leader); err != nil {
		b.undo(inc)
		return err
	}
	b.stats.AddHardlinks(1)
	return nil
}

func (b *backup) applySpecial(j *backupJob, rec *meta.Record) error {
	tag := store.TagSnapshot
	if j.old.SameContent(rec) {
		tag = store.TagMetadata
	}
	inc, err := b.increment(j, tag, nil)
	if err != nil {
		return err
	}
	if tag == store.TagMetadata {
		err = b.ss.UpdateAttrs(rec)
	} else {
		err = b.ss.InstallSpecial(j.old, rec)
	}
	if err != nil {
		b.undo(inc)
		return err
	}
	return nil
}

func (b *backup) applyDelete(j *backupJob) error {
	inc, err := b.increment(j, store.TagDeletion, nil)
	if err != nil {
		return err
	}
	if err := b.ss.Remove(j.old); err != nil {
		b.undo(inc)
		return err
	}
	b.deleted++
	b.stats.AddFilesDeleted(1)
	emitEvent(b.cfg.Events, event.Event{Type: event.PathDeleted, Path: j.idx.String(), Size: j.old.Size})
	return nil
}

// increment writes the record of j's previous state. A path absent from the
// mirror gets a missing increment whatever tag is asked for, and the first
// session writes none at all. payload, when set, replaces the mirror content
// of a snapshot or deletion.
func (b *backup) increment(j *backupJob, tag store.Tag, payload []byte) (*store.Increment, error) {
	if b.ss.Initial() {
		return nil, nil
	}

	var (
		h = store.Header{Tag: tag}
		r io.Reader
	)
	if !j.old.Exists() {
		prev, err := b.lastIncrement(j.idx)
		if err != nil {
			return nil, err
		}
		h = store.Header{Tag: store.TagMissing, Prev: prev}
	} else {
		h.Prev, h.Old = j.old.Since, j.old
		switch {
		case payload != nil:
			r = bytes.NewReader(payload)
		case (tag == store.TagSnapshot || tag == store.TagDeletion) && j.old.IsRegular():
			f, err := os.Open(b.st.MirrorPath(j.idx))
			if err != nil {
				return nil, fmt.Errorf("open mirror copy: %w", err)
			}
			defer f.Close()
			r = f
		}
	}

	_, before := b.ss.Increments()
	inc, err := b.ss.WriteIncrement(j.idx, h, r)
	if err != nil {
		return nil, err
	}
	_, after := b.ss.Increments()
	b.stats.AddIncrement(after - before)
	emitEvent(b.cfg.Events, event.Event{
		Type: event.IncrementWritten,
		Path: j.idx.String(),
		Size: after - before,
		Tag:  h.Tag.String(),
	})
	return &inc, nil
}

// lastIncrement returns the time of idx's newest increment, 0 if it has
// none: the time the path was last deleted, for a path that reappears.
func (b *backup) lastIncrement(idx meta.Index) (int64, error) {
	incs, err := b.st.Increments(idx)
	if err != nil {
		return 0, err
	}
	if n := len(incs); n > 0 {
		return incs[n-1].Time, nil
	}
	return 0, nil
}

// undo drops an increment whose mirror update failed, so the path keeps
// its old record with no trace of the attempt.
func (b *backup) undo(inc *store.Increment) {
	if inc == nil {
		return
	}
	if err := b.ss.DiscardIncrement(*inc); err != nil {
		slog.Error("could not discard increment; run verify", "path", inc.Index.String(), "error", err)
	}
}

func (b *backup) fail(idx meta.Index, op string, err error) {
	pe := &PathError{Path: idx.String(), Op: op, Err: err}
	b.mu.Lock()
	b.failures = append(b.failures, pe)
	b.mu.Unlock()

	b.ss.RecordFailure(idx, err)
	b.stats.AddFilesFailed(1)
	slog.Warn("path not backed up", "path", pe.Path, "op", op, "error", err)
	emitEvent(b.cfg.Events, event.Event{Type: event.PathFailed, Path: pe.Path, Error: err})
}

func (b *backup) counts() store.SessionCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return store.SessionCounts{
		Files:    b.files,
		Changed:  b.added + b.changed + b.deleted,
		Failures: int64(len(b.failures)),
	}
}

func (b *backup) summarize(sum BackupSummary, ss *store.Session, start time.Time) BackupSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum.Files = b.files
	sum.New, sum.Changed, sum.Deleted, sum.Unchanged = b.added, b.changed, b.deleted, b.unchanged
	sum.Increments, sum.IncrementBytes = ss.Increments()
	sum.Failures = append([]*PathError(nil), b.failures...)
	sum.Elapsed = time.Since(start)
	return sum
}

// underAny reports whether idx is one of prefixes or lies beneath one.
func underAny(idx meta.Index, prefixes []meta.Index) bool {
	for _, p := range prefixes {
		if idx.HasPrefix(p) {
			return true
		}
	}
	return false
}
