package ui

import "github.com/bamsammich/backtrack/internal/event"

// Event is the engine's progress event.
type Event = event.Event

// Re-export event types for convenience.
const (
	SessionStarted   = event.SessionStarted
	PathNew          = event.PathNew
	PathChanged      = event.PathChanged
	PathDeleted      = event.PathDeleted
	PathFailed       = event.PathFailed
	IncrementWritten = event.IncrementWritten
	SessionCommitted = event.SessionCommitted
	Regressed        = event.Regressed
	FileRestored     = event.FileRestored
	VerifyFailed     = event.VerifyFailed
)
