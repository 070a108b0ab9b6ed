package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/backtrack/internal/collate"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/hardlink"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/platform"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/store"
)

// RestoreConfig describes a restore of one repository subtree as of a
// point in time.
type RestoreConfig struct {
	Mirror string
	Dest   string
	// Time selects the newest session at or before it. Zero restores the
	// current mirror.
	Time int64
	// Path is the subtree to restore, relative to the mirror root. Empty
	// restores everything.
	Path string
	// Force allows restoring into a non-empty destination, replacing
	// whatever is in the way.
	Force   bool
	Workers int
	// Owners restores uid and gid even when not running as root.
	Owners bool
	// NumericIDs skips mapping recorded user and group names to local ids.
	NumericIDs bool
	Xattrs     bool
	Policy     *security.Policy
	TempDir    string
	Events     chan<- event.Event
	Stats      *stats.Collector
}

// RestoreSummary reports a finished restore.
type RestoreSummary struct {
	// Time is the session the restored tree was taken from.
	Time      int64
	Files     int64
	Bytes     int64
	Hardlinks int64
	Failures  []*PathError
	Elapsed   time.Duration
}

// Err combines the per-path failures, nil if there were none.
func (s RestoreSummary) Err() error { return combineFailures(s.Failures) }

// RunRestore writes the tree as it was at cfg.Time into cfg.Dest. Paths
// whose history is damaged are reported in the summary and skipped; the
// rest of the tree is still restored.
func RunRestore(ctx context.Context, cfg RestoreConfig) (RestoreSummary, error) {
	start := time.Now()
	var sum RestoreSummary
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	st, err := store.Open(cfg.Mirror, store.Options{ReadOnly: true, Policy: cfg.Policy, TempDir: cfg.TempDir})
	if err != nil {
		return sum, err
	}
	defer st.Close()
	if st.NeedsRegress() {
		return sum, store.ErrNeedsRegress
	}

	t, err := resolveSession(st, cfg.Time)
	if err != nil {
		return sum, err
	}
	sum.Time = t

	dest, err := filepath.Abs(cfg.Dest)
	if err != nil {
		return sum, fmt.Errorf("resolve destination: %w", err)
	}
	if !cfg.Force {
		if err := checkDestEmpty(dest); err != nil {
			return sum, err
		}
	}

	r := &restore{
		cfg:     cfg,
		st:      st,
		t:       t,
		dest:    dest,
		prefix:  meta.ParseIndex(cfg.Path),
		tracker: hardlink.NewTracker(),
		stats:   cfg.Stats,
		euid:    os.Geteuid(),
	}
	slog.Info("restore started",
		"session", store.FormatTime(t, false),
		"path", r.prefix.String(),
		"dest", dest,
	)

	err = runOrdered(ctx, workerCount(cfg.Workers), r.feed, r.materialize, r.write, r.discard)
	r.finishDirs()
	sum = r.summarize(sum, start)
	if err != nil {
		return sum, err
	}
	if sum.Files == 0 && len(sum.Failures) == 0 {
		return sum, fmt.Errorf("%s did not exist at %s", r.prefix, store.FormatTime(t, false))
	}
	slog.Info("restore finished",
		"files", sum.Files,
		"bytes", sum.Bytes,
		"failures", len(sum.Failures),
	)
	return sum, nil
}

// resolveSession maps a requested time to the newest session at or before
// it. Zero means the current session.
func resolveSession(st *store.Store, t int64) (int64, error) {
	if st.Empty() {
		return 0, ErrNoSession
	}
	if t == 0 {
		return st.CurrentTime(), nil
	}
	sessions, err := st.Sessions()
	if err != nil {
		return 0, err
	}
	var best int64
	for _, s := range sessions {
		if s <= t && s > best {
			best = s
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoSession, store.FormatTime(t, false))
	}
	return best, nil
}

func checkDestEmpty(dest string) error {
	fi, err := os.Lstat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrDestNotEmpty, dest)
	}
	f, err := os.Open(dest)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err == nil {
		return fmt.Errorf("%w: %s", ErrDestNotEmpty, dest)
	} else if err != io.EOF {
		return fmt.Errorf("read destination: %w", err)
	}
	return nil
}

type restoreJob struct {
	idx meta.Index
	cur *meta.Record
	out string

	// Filled by the worker.
	rec     *meta.Record
	staged  *store.TempFile
	version *store.Version // held only when staging must wait for the writer
	err     error
}

type restore struct {
	cfg     RestoreConfig
	st      *store.Store
	t       int64
	dest    string
	prefix  meta.Index
	tracker *hardlink.Tracker
	stats   *stats.Collector
	euid    int

	mu       sync.Mutex
	failures []*PathError

	// Touched only by the write goroutine.
	dirs                    []*restoreJob
	failedDirs              []meta.Index
	files, bytes, hardlinks int64
}

// feed walks every path the repository knows of, current or historical, in
// index order and submits those under the requested prefix.
func (r *restore) feed(ctx context.Context, submit func(*restoreJob) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			var pe *collate.PreconditionError
			if e, ok := v.(error); ok && errors.As(e, &pe) {
				err = pe
				return
			}
			panic(v)
		}
	}()

	mirror, err := r.st.MirrorRecords()
	if err != nil {
		return fmt.Errorf("read mirror metadata: %w", err)
	}
	c := collate.New(mirror, r.st.IncrementIndices())
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
		if !p.Index.HasPrefix(r.prefix) {
			continue
		}
		out := filepath.Join(r.dest, meta.Index(p.Index[len(r.prefix):]).Path())
		if err := submit(&restoreJob{idx: p.Index, cur: p.A, out: out}); err != nil {
			return err
		}
	}
}

// materialize runs on a worker. It rebuilds the version of j's path and,
// for regular files, copies the content into a temp file beside the
// destination.
func (r *restore) materialize(ctx context.Context, j *restoreJob) {
	v, err := r.st.ReconstructFrom(ctx, j.cur, j.idx, r.t)
	if err != nil {
		j.err = err
		return
	}
	if !v.Exists() {
		v.Release()
		return
	}
	j.rec = v.Record
	if !j.rec.IsRegular() {
		v.Release()
		return
	}

	tf, err := stageCopy(j.out, v)
	if err != nil {
		// The parent may not be usable until the writer has replaced
		// whatever is in the way; stage again from there.
		j.version = v
		return
	}
	v.Release()
	j.staged = tf
}

// stageCopy copies a regular version into a temp file beside out.
func stageCopy(out string, v *store.Version) (*store.TempFile, error) {
	tf, err := store.CreateTemp(out, false)
	if err != nil {
		return nil, err
	}
	res, err := platform.CopyFile(platform.CopyParams{Dst: tf.File, SrcPath: v.ContentPath(), Size: v.Record.Size})
	if err != nil {
		tf.Discard()
		return nil, fmt.Errorf("copy content: %w", err)
	}
	slog.Debug("staged", "path", out, "bytes", res.BytesWritten, "method", res.Method)
	return tf, nil
}

// write runs on the single writer goroutine in index order, so parents are
// always in place before their children.
func (r *restore) write(j *restoreJob) error {
	err := r.place(j)
	if err == nil {
		return nil
	}
	r.discard(j)
	if isFatal(err) {
		return err
	}
	if j.rec.IsDir() {
		r.failedDirs = append(r.failedDirs, j.idx)
	}
	pe := &PathError{Path: j.idx.String(), Op: "restore", Err: err}
	r.mu.Lock()
	r.failures = append(r.failures, pe)
	r.mu.Unlock()
	r.stats.AddFilesFailed(1)
	slog.Warn("path not restored", "path", pe.Path, "error", err)
	emitEvent(r.cfg.Events, event.Event{Type: event.PathFailed, Path: pe.Path, Error: err})
	return nil
}

func (r *restore) place(j *restoreJob) error {
	if underAny(j.idx, r.failedDirs) {
		return errParentFailed
	}
	if j.err != nil {
		return j.err
	}
	if j.rec == nil {
		return nil
	}
	if r.cfg.Force {
		if err := clearConflict(j.out, j.rec); err != nil {
			return err
		}
	}

	rec := j.rec
	switch {
	case rec.IsDir():
		if err := os.Mkdir(j.out, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("mkdir: %w", err)
		}
		// Permissions and times go on after the children are written.
		r.dirs = append(r.dirs, j)

	case rec.IsRegular():
		if j.staged == nil && j.version != nil {
			tf, err := stageCopy(j.out, j.version)
			j.version.Release()
			j.version = nil
			if err != nil {
				return err
			}
			j.staged = tf
		}
		act := r.tracker.Bind(rec, j.out)
		if act.Kind == hardlink.CreateLink {
			j.staged.Discard()
			j.staged = nil
			if r.cfg.Force {
				_ = os.Remove(j.out)
			}
			if err := os.Link(act.Target, j.out); err != nil {
				return fmt.Errorf("link to %s: %w", act.Target, err)
			}
			r.hardlinks++
			r.stats.AddHardlinks(1)
			break
		}
		tf := j.staged
		j.staged = nil
		if err := tf.Commit(); err != nil {
			r.tracker.Unbind(rec, j.out)
			return err
		}
		r.bytes += rec.Size
		r.stats.AddBytesRestored(rec.Size)
		if err := r.applyAttrs(j.out, rec); err != nil {
			return err
		}

	default:
		if err := store.MakeNode(j.out, rec); err != nil {
			return fmt.Errorf("create %s: %w", rec.Kind, err)
		}
		if err := r.applyAttrs(j.out, rec); err != nil {
			return err
		}
	}

	r.files++
	r.stats.AddFilesRestored(1)
	emitEvent(r.cfg.Events, event.Event{Type: event.FileRestored, Path: j.idx.String(), Size: rec.Size})
	return nil
}

// clearConflict removes whatever sits at path if it cannot simply be
// replaced by rec.
func clearConflict(path string, rec *meta.Record) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case fi.IsDir() && rec.IsDir():
		return nil
	case fi.IsDir():
		return os.RemoveAll(path)
	case rec.IsRegular():
		// The temp file renames over it.
		return nil
	}
	return os.Remove(path)
}

// applyAttrs sets ownership, permissions, extended attributes and times on
// a restored object. Ownership is applied first since chown clears the
// setuid and setgid bits.
func (r *restore) applyAttrs(path string, rec *meta.Record) error {
	if r.euid == 0 || r.cfg.Owners {
		uid, gid := r.owner(rec)
		if err := os.Lchown(path, int(uid), int(gid)); err != nil && r.euid == 0 {
			return fmt.Errorf("chown: %w", err)
		}
	}
	if rec.Kind != meta.KindSymlink {
		if err := os.Chmod(path, rec.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}
	}
	if r.cfg.Xattrs {
		if err := meta.ApplyXattrs(path, rec); err != nil {
			slog.Debug("xattrs not restored", "path", rec.Index.String(), "error", err)
		}
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(rec.ModTime().UnixNano()),
		unix.NsecToTimespec(rec.ModTime().UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("set times: %w", err)
	}
	return nil
}

func (r *restore) owner(rec *meta.Record) (uint32, uint32) {
	uid, gid := rec.UID, rec.GID
	if r.cfg.NumericIDs {
		return uid, gid
	}
	if rec.UserName != "" {
		if id, ok := meta.LookupUID(rec.UserName); ok {
			uid = id
		}
	}
	if rec.GroupName != "" {
		if id, ok := meta.LookupGID(rec.GroupName); ok {
			gid = id
		}
	}
	return uid, gid
}

func (r *restore) discard(j *restoreJob) {
	if j.staged != nil {
		j.staged.Discard()
		j.staged = nil
	}
	if j.version != nil {
		j.version.Release()
		j.version = nil
	}
}

// finishDirs applies directory attributes deepest first, so setting a
// parent's mtime is never undone by writing into it.
func (r *restore) finishDirs() {
	for i := len(r.dirs) - 1; i >= 0; i-- {
		j := r.dirs[i]
		if err := r.applyAttrs(j.out, j.rec); err != nil {
			slog.Warn("directory attributes not restored", "path", j.idx.String(), "error", err)
		}
		r.files++
		r.stats.AddFilesRestored(1)
		emitEvent(r.cfg.Events, event.Event{Type: event.FileRestored, Path: j.idx.String()})
	}
	r.dirs = nil
}

func (r *restore) summarize(sum RestoreSummary, start time.Time) RestoreSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum.Files, sum.Bytes, sum.Hardlinks = r.files, r.bytes, r.hardlinks
	sum.Failures = append([]*PathError(nil), r.failures...)
	sum.Elapsed = time.Since(start)
	return sum
}
