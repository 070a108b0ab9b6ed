package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/security"
)

var (
	// ErrNeedsRegress means an earlier session did not finish and must be
	// rolled back before anything else touches the repository.
	ErrNeedsRegress = errors.New("repository has an unfinished session; run regress")
	// ErrStaleTime means a new session is not later than the current one.
	ErrStaleTime = errors.New("session time is not after the current mirror time")
	// ErrNotRepository means the target has no repository data directory.
	ErrNotRepository = errors.New("not a backtrack repository")
	// ErrChainGap means the increment history of a path is broken.
	ErrChainGap = errors.New("increment chain gap")
	// ErrMirrorNotEmpty means a first session was started on a mirror root
	// that already holds files.
	ErrMirrorNotEmpty = errors.New("mirror root is not empty")
)

// DefaultNotCompressed matches file names whose content is already
// compressed; their increments are stored raw.
var DefaultNotCompressed = regexp.MustCompile(`(?i)\.(gz|z|bz|bz2|tgz|zip|zst|rpm|deb|jpg|jpeg|gif|png|jp2|mp3|mp4|ogg|ogv|oga|ogm|avi|wmv|mpeg|mpg|rm|mov|mkv|flac|shn|pgp|gpg|rz|lz4|lzh|lzo|zoo|lharc|rar|arj|asc|vob|mdf|tzst|webm)$`)

// Options configure a Store.
type Options struct {
	// Create initializes an empty repository if root has none.
	Create bool
	// ReadOnly opens the repository without taking write access.
	ReadOnly bool
	// Compress stores increment payloads with zstd.
	Compress bool
	// NotCompressed exempts matching base names from compression.
	NotCompressed *regexp.Regexp
	// Fsync syncs every file before it is renamed into place.
	Fsync bool
	// CompatTimestamps writes times with hyphens instead of colons.
	CompatTimestamps bool
	// Policy restricts filesystem access. Nil permits everything.
	Policy *security.Policy
	// TempDir holds scratch files produced while reconstructing old
	// versions. Defaults to os.TempDir().
	TempDir string
}

// Store is an open repository.
type Store struct {
	root string
	data string
	opts Options

	// markers are the session markers on disk, oldest first. current is
	// the last committed session and pending the unfinished one, 0 if none.
	markers []int64
	current int64
	pending int64
	first   int64
	journal *Journal
	dirs    dirCache
}

type metadataHeader struct {
	Version int   `cbor:"1,keyasint"`
	Time    int64 `cbor:"2,keyasint"`
	First   int64 `cbor:"3,keyasint"`
}

const metadataVersion = 1

// Open opens the repository rooted at root.
func Open(root string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}
	s := &Store{root: abs, data: filepath.Join(abs, DataDir), opts: opts}
	if s.opts.TempDir == "" {
		s.opts.TempDir = os.TempDir()
	}
	if err := opts.Policy.Check(security.OpRead, s.data); err != nil {
		return nil, err
	}

	if _, err := os.Stat(s.data); errors.Is(err, fs.ErrNotExist) {
		if !opts.Create {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
		}
		if err := opts.Policy.Check(security.OpWrite, s.data); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(s.data, 0o700); err != nil {
			return nil, fmt.Errorf("create repository: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat repository: %w", err)
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}

	s.journal, err = OpenJournal(filepath.Join(s.data, journalName), opts.ReadOnly)
	if err != nil {
		slog.Warn("journal unavailable", "error", err)
		s.journal = nil
	}
	return s, nil
}

// loadState reads the markers and the first-session time. The newest
// marker belongs to an unfinished session when an older marker is still
// present, or when it is the only marker and its metadata was never
// published.
func (s *Store) loadState() error {
	entries, err := os.ReadDir(s.data)
	if err != nil {
		return fmt.Errorf("read repository: %w", err)
	}
	s.markers = s.markers[:0]
	for _, e := range entries {
		if t, ok := parseStamped(e.Name(), markerPrefix, markerSuffix); ok {
			s.markers = append(s.markers, t)
		}
	}
	slices.Sort(s.markers)

	s.current, s.pending = 0, 0
	switch n := len(s.markers); {
	case n == 0:
	case n == 1 && s.findStamped(metadataPrefix, metadataSuffix, s.markers[0]) == "":
		s.pending = s.markers[0]
	case n == 1:
		s.current = s.markers[0]
	default:
		s.current, s.pending = s.markers[n-2], s.markers[n-1]
	}

	s.first = 0
	if s.current != 0 {
		hdr, err := s.readMetadataHeader(s.current)
		if err != nil {
			return err
		}
		s.first = hdr.First
	}
	return nil
}

// committedTime is the time of the last fully committed session.
func (s *Store) committedTime() int64 { return s.current }

// Root returns the absolute mirror root.
func (s *Store) Root() string { return s.root }

// DataPath returns the absolute data directory.
func (s *Store) DataPath() string { return s.data }

// Journal returns the session journal, which may be nil.
func (s *Store) Journal() *Journal { return s.journal }

// Policy returns the access policy in force.
func (s *Store) Policy() *security.Policy { return s.opts.Policy }

// Empty reports whether no session has ever been committed.
func (s *Store) Empty() bool { return s.current == 0 }

// NeedsRegress reports whether an unfinished session is present. A
// session in flight on this Store counts as unfinished.
func (s *Store) NeedsRegress() bool { return s.pending != 0 }

// CurrentTime returns the time of the mirror's committed state, 0 if none.
func (s *Store) CurrentTime() int64 { return s.committedTime() }

// FirstTime returns the time of the oldest session, 0 if none.
func (s *Store) FirstTime() int64 { return s.first }

// MirrorPath maps idx to its location in the mirror.
func (s *Store) MirrorPath(idx meta.Index) string {
	return filepath.Join(s.root, idx.Path())
}

// Close releases the journal.
func (s *Store) Close() error {
	return s.journal.Close()
}

func (s *Store) markerPath(t int64) string {
	return filepath.Join(s.data, markerPrefix+FormatTime(t, s.opts.CompatTimestamps)+markerSuffix)
}

func (s *Store) metadataPath(t int64) string {
	return filepath.Join(s.data, metadataPrefix+FormatTime(t, s.opts.CompatTimestamps)+metadataSuffix)
}

// findStamped locates an existing file for t in either timestamp format.
func (s *Store) findStamped(prefix, suffix string, t int64) string {
	for _, compat := range []bool{s.opts.CompatTimestamps, !s.opts.CompatTimestamps} {
		p := filepath.Join(s.data, prefix+FormatTime(t, compat)+suffix)
		if _, err := os.Lstat(p); err == nil {
			return p
		}
	}
	return ""
}

func (s *Store) openMetadata(t int64) (*meta.Reader, *metadataHeader, error) {
	path := s.findStamped(metadataPrefix, metadataSuffix, t)
	if path == "" {
		return nil, nil, fmt.Errorf("metadata for %s: %w", FormatTime(t, false), fs.ErrNotExist)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata: %w", err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open metadata: %w", err)
	}
	rd := meta.NewReader(&closeBoth{Reader: zr, close: func() { zr.Close(); f.Close() }})

	var hdr metadataHeader
	if err := rd.Decode(&hdr); err != nil {
		rd.Close()
		return nil, nil, fmt.Errorf("metadata header %s: %w", path, err)
	}
	if hdr.Version != metadataVersion || hdr.Time != t {
		rd.Close()
		return nil, nil, fmt.Errorf("metadata %s: unexpected header %+v", path, hdr)
	}
	return rd, &hdr, nil
}

func (s *Store) readMetadataHeader(t int64) (*metadataHeader, error) {
	rd, hdr, err := s.openMetadata(t)
	if err != nil {
		return nil, err
	}
	rd.Close()
	return hdr, nil
}

// MirrorRecords iterates the committed mirror's records in index order. An
// empty repository yields nothing.
func (s *Store) MirrorRecords() (meta.Iterator, error) {
	t := s.committedTime()
	if t == 0 {
		return meta.Empty(), nil
	}
	rd, _, err := s.openMetadata(t)
	if err != nil {
		return nil, err
	}
	return rd, nil
}

// MirrorRecord returns the committed record for idx, or nil if the mirror
// does not contain it.
func (s *Store) MirrorRecord(idx meta.Index) (*meta.Record, error) {
	it, err := s.MirrorRecords()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	return meta.Lookup(it, idx)
}

type closeBoth struct {
	io.Reader
	close func()
}

func (c *closeBoth) Close() error {
	c.close()
	return nil
}
