// Package engine runs backups, restores and integrity checks against a
// repository.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/multierr"

	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/transport"
)

// PathError is a failure confined to one path. The operation carries on and
// reports it in its summary.
type PathError struct {
	Path string
	Op   string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

var (
	// ErrDestNotEmpty means a restore target already holds data.
	ErrDestNotEmpty = errors.New("restore destination exists and is not empty")
	// ErrNoSession means no session exists at or before the requested time.
	ErrNoSession = errors.New("no backup session at or before the requested time")

	errLeaderFailed = errors.New("hard link leader was not backed up")
	errParentFailed = errors.New("parent directory could not be created")
)

// DefaultWorkers is the pool size used when a config leaves Workers unset.
func DefaultWorkers() int {
	return min(runtime.NumCPU(), 8)
}

func workerCount(n int) int {
	if n <= 0 {
		return DefaultWorkers()
	}
	return n
}

// isFatal reports whether err must abort the whole operation instead of
// failing a single path.
func isFatal(err error) bool {
	var denied *security.DeniedError
	return errors.As(err, &denied) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func combineFailures(failures []*PathError) error {
	var err error
	for _, f := range failures {
		err = multierr.Append(err, f)
	}
	return err
}

func emitEvent(ch chan<- event.Event, e event.Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
