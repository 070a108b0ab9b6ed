package meta

import (
	"bytes"
	"fmt"
	"io/fs"
	"maps"
	"time"
)

// Kind is the closed set of filesystem object types a Record can describe.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindRegular
	KindDir
	KindSymlink
	KindDevice
	KindFifo
	KindSocket
)

var kindNames = [...]string{
	KindAbsent:  "absent",
	KindRegular: "regular",
	KindDir:     "dir",
	KindSymlink: "symlink",
	KindDevice:  "device",
	KindFifo:    "fifo",
	KindSocket:  "socket",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return int(k) < len(kindNames) }

// Record describes one filesystem object at one point in time. Records are
// treated as immutable once built; the only field filled in later is Hash,
// which is computed lazily for regular files.
type Record struct {
	Index Index `cbor:"1,keyasint"`
	Kind  Kind  `cbor:"2,keyasint"`

	Perm      uint32 `cbor:"3,keyasint,omitempty"`
	UID       uint32 `cbor:"4,keyasint,omitempty"`
	GID       uint32 `cbor:"5,keyasint,omitempty"`
	UserName  string `cbor:"6,keyasint,omitempty"`
	GroupName string `cbor:"7,keyasint,omitempty"`

	Size      int64 `cbor:"8,keyasint,omitempty"`
	MTime     int64 `cbor:"9,keyasint,omitempty"`
	MTimeNsec int64 `cbor:"10,keyasint,omitempty"`

	Dev   uint64 `cbor:"11,keyasint,omitempty"`
	Ino   uint64 `cbor:"12,keyasint,omitempty"`
	Nlink uint64 `cbor:"13,keyasint,omitempty"`

	// Hash is the hex BLAKE3 digest of a regular file's content.
	Hash string `cbor:"14,keyasint,omitempty"`

	LinkTarget string `cbor:"15,keyasint,omitempty"`
	DevMajor   uint32 `cbor:"16,keyasint,omitempty"`
	DevMinor   uint32 `cbor:"17,keyasint,omitempty"`
	DevChar    bool   `cbor:"18,keyasint,omitempty"`

	Xattrs map[string][]byte `cbor:"19,keyasint,omitempty"`
	ACL    []byte            `cbor:"20,keyasint,omitempty"`

	// LinkLeader is the index of the first path of this record's hard-link
	// group in the session that recorded it.
	LinkLeader Index `cbor:"21,keyasint,omitempty"`

	// Since is the session time (unix seconds) at which this version of the
	// path entered the mirror.
	Since int64 `cbor:"22,keyasint,omitempty"`
}

// Absent returns the record for a path that does not exist.
func Absent(idx Index) *Record {
	return &Record{Index: idx, Kind: KindAbsent}
}

func (r *Record) Exists() bool    { return r != nil && r.Kind != KindAbsent }
func (r *Record) IsRegular() bool { return r != nil && r.Kind == KindRegular }
func (r *Record) IsDir() bool     { return r != nil && r.Kind == KindDir }

// ModTime returns the modification time as a time.Time.
func (r *Record) ModTime() time.Time {
	return time.Unix(r.MTime, r.MTimeNsec)
}

// Mode returns the fs.FileMode (type bits plus permissions) for the record.
func (r *Record) Mode() fs.FileMode {
	m := fs.FileMode(r.Perm) & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	switch r.Kind {
	case KindDir:
		m |= fs.ModeDir
	case KindSymlink:
		m |= fs.ModeSymlink
	case KindDevice:
		m |= fs.ModeDevice
		if r.DevChar {
			m |= fs.ModeCharDevice
		}
	case KindFifo:
		m |= fs.ModeNamedPipe
	case KindSocket:
		m |= fs.ModeSocket
	}
	return m
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Index = append(Index(nil), r.Index...)
	c.LinkLeader = append(Index(nil), r.LinkLeader...)
	if r.Xattrs != nil {
		c.Xattrs = maps.Clone(r.Xattrs)
	}
	if r.ACL != nil {
		c.ACL = bytes.Clone(r.ACL)
	}
	return &c
}

// WithSince returns a copy of r stamped with the given session time.
func (r *Record) WithSince(t int64) *Record {
	c := r.Clone()
	c.Since = t
	return c
}

// WithHash returns a copy of r carrying the given content digest.
func (r *Record) WithHash(h string) *Record {
	c := r.Clone()
	c.Hash = h
	return c
}

// WithLinkLeader returns a copy of r assigned to the hard-link group led by
// leader. A nil leader clears the association.
func (r *Record) WithLinkLeader(leader Index) *Record {
	c := r.Clone()
	c.LinkLeader = append(Index(nil), leader...)
	return c
}

// CompareOpts selects which optional attributes take part in Equivalent.
type CompareOpts struct {
	// Inode compares device, inode and link count for multiply-linked
	// regular files.
	Inode bool
	// Owner compares numeric uid and gid.
	Owner bool
	// Xattrs compares extended attributes and the access ACL.
	Xattrs bool
}

// DefaultCompareOpts matches the backup command's defaults.
var DefaultCompareOpts = CompareOpts{Inode: true, Owner: true, Xattrs: true}

// Equivalent reports whether two records describe the same version of a
// path. Hash and Since never take part; device and inode numbers only do when
// opts.Inode is set and the file has more than one link. Directory sizes and
// symlink permissions and times are ignored.
func (r *Record) Equivalent(o *Record, opts CompareOpts) bool {
	if r == nil || o == nil {
		return r.Exists() == o.Exists()
	}
	if r.Kind != o.Kind {
		return false
	}
	if r.Kind == KindAbsent {
		return true
	}
	if opts.Owner && (r.UID != o.UID || r.GID != o.GID) {
		return false
	}
	if opts.Xattrs && (!xattrsEqual(r.Xattrs, o.Xattrs) || !bytes.Equal(r.ACL, o.ACL)) {
		return false
	}
	if !r.LinkLeader.Equal(o.LinkLeader) {
		return false
	}

	switch r.Kind {
	case KindSymlink:
		return r.LinkTarget == o.LinkTarget
	case KindDir:
		return r.Perm == o.Perm && r.MTime == o.MTime
	case KindDevice:
		if r.DevMajor != o.DevMajor || r.DevMinor != o.DevMinor || r.DevChar != o.DevChar {
			return false
		}
	case KindRegular:
		if r.Size != o.Size {
			return false
		}
		if opts.Inode && (r.Nlink > 1 || o.Nlink > 1) {
			if r.Dev != o.Dev || r.Ino != o.Ino || r.Nlink != o.Nlink {
				return false
			}
		}
	}
	return r.Perm == o.Perm && r.MTime == o.MTime
}

// SameContent reports whether two records carry identical content: equal
// digests for regular files, equal targets for symlinks, equal device numbers
// for devices. Directories, fifos and sockets of the same kind always do.
func (r *Record) SameContent(o *Record) bool {
	if !r.Exists() || !o.Exists() || r.Kind != o.Kind {
		return false
	}
	switch r.Kind {
	case KindRegular:
		return r.Hash != "" && r.Hash == o.Hash && r.Size == o.Size
	case KindSymlink:
		return r.LinkTarget == o.LinkTarget
	case KindDevice:
		return r.DevMajor == o.DevMajor && r.DevMinor == o.DevMinor && r.DevChar == o.DevChar
	}
	return true
}

func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s[%s]", r.Index, r.Kind)
}

func xattrsEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}
