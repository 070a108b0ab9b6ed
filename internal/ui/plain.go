package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/backtrack/internal/stats"
)

// plainPresenter writes a change list to stdout, one line per path when
// verbose and always for failures, and periodic progress to stderr.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   *stats.Collector
	op      Op
	verbose bool
}

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case PathNew:
		if p.verbose {
			fmt.Fprintf(p.w, "+ %s\n", ev.Path)
		}
	case PathChanged:
		if p.verbose {
			fmt.Fprintf(p.w, "M %s\n", ev.Path)
		}
	case PathDeleted:
		if p.verbose {
			fmt.Fprintf(p.w, "- %s\n", ev.Path)
		}
	case FileRestored:
		if p.verbose {
			fmt.Fprintf(p.w, "%s  %s\n", ev.Path, FormatBytes(ev.Size))
		}
	case PathFailed:
		fmt.Fprintf(p.w, "! %s  %s\n", ev.Path, errText(ev.Error))
	case VerifyFailed:
		fmt.Fprintf(p.w, "FAILED: %s  %s\n", ev.Path, errText(ev.Error))
	case Regressed:
		fmt.Fprintf(p.errW, "rolled back unfinished session %s\n", formatSession(ev.Session))
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	switch p.op {
	case OpRestore:
		fmt.Fprintf(p.errW, "progress: %s files %s %s\n",
			FormatCount(snap.FilesRestored), FormatBytes(snap.BytesRestored),
			FormatRate(p.stats.RollingSpeed(10)))
	case OpVerify:
		fmt.Fprintf(p.errW, "progress: %s paths verified\n", FormatCount(snap.FilesVerified))
	default:
		fmt.Fprintf(p.errW, "progress: %s files scanned %s read %s increments %s\n",
			FormatCount(snap.FilesScanned), FormatBytes(snap.BytesRead),
			FormatCount(snap.IncrementsWritten), FormatRate(p.stats.RollingSpeed(10)))
	}
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.op, p.stats.Snapshot())
}

func errText(err error) string {
	if err == nil {
		return "error"
	}
	return err.Error()
}

func formatSession(t int64) string {
	return time.Unix(t, 0).Local().Format(time.RFC3339)
}
