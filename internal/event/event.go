package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	SessionStarted Type = iota + 1
	PathNew
	PathChanged
	PathDeleted
	PathFailed
	IncrementWritten
	SessionCommitted
	Regressed
	FileRestored
	VerifyFailed
)

var typeNames = [...]string{
	SessionStarted:   "SessionStarted",
	PathNew:          "PathNew",
	PathChanged:      "PathChanged",
	PathDeleted:      "PathDeleted",
	PathFailed:       "PathFailed",
	IncrementWritten: "IncrementWritten",
	SessionCommitted: "SessionCommitted",
	Regressed:        "Regressed",
	FileRestored:     "FileRestored",
	VerifyFailed:     "VerifyFailed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // index path, "." for the root
	Size      int64  // content bytes, or increment bytes for IncrementWritten
	Session   int64  // session time for session-level events
	Tag       string // increment tag for IncrementWritten
	Error     error
}
