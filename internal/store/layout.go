// Package store implements the on-disk repository: the current mirror, the
// per-session metadata snapshots and the reverse increments that reach back
// to every earlier session.
//
// Layout under the mirror root:
//
//	backtrack-data/
//	    current_mirror.<TS>.data        one per committed session, two while one is in flight
//	    mirror_metadata.<TS>.cbor.zst   records of the mirror as of TS
//	    increments.<TS>.<tag>[.zst]     increments of the root directory
//	    increments/<path>.<TS>.<tag>[.zst]
//	    journal.db                      session and failure log
//	    staging/                        new content waiting to be installed
package store

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DataDir is the reserved top-level directory holding repository state.
	DataDir = "backtrack-data"

	incrementsName = "increments"
	markerPrefix   = "current_mirror."
	markerSuffix   = ".data"
	metadataPrefix = "mirror_metadata."
	metadataSuffix = ".cbor.zst"
	journalName    = "journal.db"
	stagingName    = "staging"
	zstSuffix      = ".zst"
	tmpSuffix      = ".backtrack-tmp"
	scratchPrefix  = "backtrack-scratch-"
)

const (
	timeLayout       = "2006-01-02T15:04:05Z"
	compatTimeLayout = "2006-01-02T15-04-05Z"
)

// FormatTime renders a session time for file names. compat replaces colons
// with hyphens for filesystems that reject them.
func FormatTime(t int64, compat bool) string {
	layout := timeLayout
	if compat {
		layout = compatTimeLayout
	}
	return time.Unix(t, 0).UTC().Format(layout)
}

// ParseTime accepts either file name time format.
func ParseTime(s string) (int64, error) {
	for _, layout := range []string{timeLayout, compatTimeLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("invalid session time %q", s)
}

// Tag names the kind of an increment.
type Tag uint8

const (
	// TagSnapshot stores the previous version in full. Used when the kind
	// changed or a delta was not economical.
	TagSnapshot Tag = iota + 1
	// TagDelta stores a reverse delta that turns the next version's content
	// into the previous version's.
	TagDelta
	// TagDeletion stores the full version that existed before the path was
	// deleted.
	TagDeletion
	// TagMetadata stores only the previous record; content was unchanged.
	TagMetadata
	// TagMissing marks that the path did not exist before this session.
	TagMissing
)

var tagNames = map[Tag]string{
	TagSnapshot: "snapshot",
	TagDelta:    "delta",
	TagDeletion: "deletion",
	TagMetadata: "metadata",
	TagMissing:  "missing",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tag(%d)", t)
}

// ParseTag is the inverse of Tag.String.
func ParseTag(s string) (Tag, bool) {
	for t, name := range tagNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// parseIncName splits "<name>.<TS>.<tag>[.zst]".
func parseIncName(file string) (name string, t int64, tag Tag, compressed, ok bool) {
	if strings.HasSuffix(file, tmpSuffix) {
		return "", 0, 0, false, false
	}
	rest, compressed := strings.CutSuffix(file, zstSuffix)

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return "", 0, 0, false, false
	}
	tag, ok = ParseTag(rest[dot+1:])
	if !ok {
		return "", 0, 0, false, false
	}
	rest = rest[:dot]

	dot = strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return "", 0, 0, false, false
	}
	t, err := ParseTime(rest[dot+1:])
	if err != nil {
		return "", 0, 0, false, false
	}
	return rest[:dot], t, tag, compressed, true
}

// parseStamped extracts the time from "<prefix><TS><suffix>".
func parseStamped(file, prefix, suffix string) (int64, bool) {
	rest, ok := strings.CutPrefix(file, prefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, suffix)
	if !ok {
		return 0, false
	}
	t, err := ParseTime(rest)
	return t, err == nil
}
