// Package hardlink groups multiply-linked regular files so their content is
// stored once and the link structure is reproduced on restore.
package hardlink

import (
	"sync"

	"github.com/bamsammich/backtrack/internal/meta"
)

// DevIno identifies a source inode during a backup.
type DevIno struct {
	Dev uint64
	Ino uint64
}

// Handle refers to a LinkClass inside a Tracker's arena.
type Handle int

// NoClass is returned for records that do not belong to any group.
const NoClass Handle = -1

// LinkClass is one group of paths sharing content.
type LinkClass struct {
	Leader  meta.Index
	Hash    string
	Nlink   uint64
	Members int
	Paths   []meta.Index

	// restore side: where the first member was written
	outPath string
}

// Action says what to do with an observed path.
type Action int

const (
	// StoreContent means the path's bytes must be stored: it is ungrouped
	// or the first member of its group.
	StoreContent Action = iota
	// ReferenceLeader means the group's content is already stored under
	// the leader's path.
	ReferenceLeader
)

// Observation is the tracker's verdict for one record.
type Observation struct {
	Action Action
	Class  Handle
	Leader meta.Index
}

// Tracker is rebuilt for every backup and restore. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	classes []LinkClass
	inodes  map[DevIno]Handle
	groups  map[groupKey]Handle
}

type groupKey struct {
	leader string
	hash   string
}

func NewTracker() *Tracker {
	return &Tracker{
		inodes: make(map[DevIno]Handle),
		groups: make(map[groupKey]Handle),
	}
}

// Observe classifies a source record during backup. Records that are not
// regular files or have a single link never join a group.
func (t *Tracker) Observe(rec *meta.Record) Observation {
	if !rec.IsRegular() || rec.Nlink <= 1 {
		return Observation{Action: StoreContent, Class: NoClass}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := DevIno{Dev: rec.Dev, Ino: rec.Ino}
	if h, ok := t.inodes[key]; ok {
		c := &t.classes[h]
		c.Members++
		c.Paths = append(c.Paths, rec.Index)
		return Observation{Action: ReferenceLeader, Class: h, Leader: c.Leader}
	}

	h := Handle(len(t.classes))
	t.classes = append(t.classes, LinkClass{
		Leader:  rec.Index,
		Nlink:   rec.Nlink,
		Members: 1,
		Paths:   []meta.Index{rec.Index},
	})
	t.inodes[key] = h
	return Observation{Action: StoreContent, Class: h, Leader: rec.Index}
}

// SetHash records the content digest of a group once its leader is stored.
func (t *Tracker) SetHash(h Handle, hash string) {
	if h == NoClass {
		return
	}
	t.mu.Lock()
	t.classes[h].Hash = hash
	t.mu.Unlock()
}

// Class returns a copy of the group behind h.
func (t *Tracker) Class(h Handle) (LinkClass, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.classes) {
		return LinkClass{}, false
	}
	c := t.classes[h]
	c.Paths = append([]meta.Index(nil), c.Paths...)
	return c, true
}

// Forget removes idx from its group, as when a member turns out to have
// been deleted or failed to back up. The leader stays the group's content
// source if it is still present.
func (t *Tracker) Forget(h Handle, idx meta.Index) {
	if h == NoClass {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.classes[h]
	for i, p := range c.Paths {
		if p.Equal(idx) {
			c.Paths = append(c.Paths[:i], c.Paths[i+1:]...)
			c.Members--
			return
		}
	}
}

// Groups returns the number of groups seen.
func (t *Tracker) Groups() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.classes)
}

// RestoreKind says how to produce a restored regular file.
type RestoreKind int

const (
	Materialize RestoreKind = iota
	CreateLink
)

// RestoreAction is the outcome of Bind.
type RestoreAction struct {
	Kind RestoreKind
	// Target is the already-restored path to link to when Kind is
	// CreateLink.
	Target string
}

// Bind decides how to restore rec at outPath. Records are grouped by their
// recorded link leader and content digest; the first member bound is
// materialized and later members become links to it. Records without a
// leader, or with identical content but no recorded group, are always
// materialized on their own.
func (t *Tracker) Bind(rec *meta.Record, outPath string) RestoreAction {
	if !rec.IsRegular() || len(rec.LinkLeader) == 0 || rec.Nlink <= 1 {
		return RestoreAction{Kind: Materialize}
	}
	key := groupKey{leader: rec.LinkLeader.String(), hash: rec.Hash}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.groups[key]; ok {
		c := &t.classes[h]
		c.Members++
		c.Paths = append(c.Paths, rec.Index)
		return RestoreAction{Kind: CreateLink, Target: c.outPath}
	}
	h := Handle(len(t.classes))
	t.classes = append(t.classes, LinkClass{
		Leader:  rec.LinkLeader,
		Hash:    rec.Hash,
		Nlink:   rec.Nlink,
		Members: 1,
		Paths:   []meta.Index{rec.Index},
		outPath: outPath,
	})
	t.groups[key] = h
	return RestoreAction{Kind: Materialize}
}

// Unbind drops the group entry for rec if its materialization failed, so
// the next member is materialized instead of linked to a missing file.
func (t *Tracker) Unbind(rec *meta.Record, outPath string) {
	if len(rec.LinkLeader) == 0 {
		return
	}
	key := groupKey{leader: rec.LinkLeader.String(), hash: rec.Hash}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.groups[key]; ok && t.classes[h].outPath == outPath {
		delete(t.groups, key)
	}
}
