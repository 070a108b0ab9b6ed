// Package security restricts which paths and operations a process may touch.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Mode is the restriction level.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
	// UpdateOnly permits adding history but not discarding it.
	UpdateOnly
)

var modeNames = [...]string{
	ReadWrite:  "read-write",
	ReadOnly:   "read-only",
	UpdateOnly: "update-only",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", m)
}

// ParseMode parses "read-write", "read-only" or "update-only".
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if s == name {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("unknown restrict mode %q (want read-write, read-only or update-only)", s)
}

// Op is the kind of access being requested.
type Op int

const (
	OpRead Op = iota
	OpList
	OpWrite
	// OpDiscard removes recorded history, as regress does.
	OpDiscard
)

var opNames = [...]string{
	OpRead:    "read",
	OpList:    "list",
	OpWrite:   "write",
	OpDiscard: "discard",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

// DeniedError is returned for every refused request.
type DeniedError struct {
	Op     Op
	Path   string
	Mode   Mode
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s %s denied (%s): %s", e.Op, e.Path, e.Mode, e.Reason)
}

// Policy is consulted before each filesystem access. A nil *Policy permits
// everything.
type Policy struct {
	// Root confines all access to this directory tree when non-empty.
	Root string
	Mode Mode
}

// New returns a policy rooted at root. The root is made absolute and cleaned.
func New(root string, mode Mode) (*Policy, error) {
	p := &Policy{Mode: mode}
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("restrict path: %w", err)
		}
		p.Root = abs
	}
	return p, nil
}

// Check returns a *DeniedError if op on path is not permitted.
func (p *Policy) Check(op Op, path string) error {
	if p == nil {
		return nil
	}
	if p.Root != "" && !within(p.Root, path) {
		return &DeniedError{Op: op, Path: path, Mode: p.Mode, Reason: "outside " + p.Root}
	}
	switch p.Mode {
	case ReadOnly:
		if op == OpWrite || op == OpDiscard {
			return &DeniedError{Op: op, Path: path, Mode: p.Mode, Reason: "repository is read-only"}
		}
	case UpdateOnly:
		if op == OpDiscard {
			return &DeniedError{Op: op, Path: path, Mode: p.Mode, Reason: "history may only be appended"}
		}
	}
	return nil
}

func within(root, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
