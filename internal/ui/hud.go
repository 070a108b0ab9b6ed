package ui

import (
	"fmt"
	"io"
	"path"
	"time"
	"unicode/utf8"

	"github.com/bamsammich/backtrack/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

// hudPresenter provides a TTY display with a scrolling feed of changed paths
// and a status line that redraws in place.
type hudPresenter struct {
	w         io.Writer
	stats     *stats.Collector
	op        Op
	verbose   bool
	forceFeed bool
	forceRate bool
	// width is the terminal width; 0 disables path shortening.
	width int

	// Internal state.
	hudDrawn     bool
	rateMode     bool
	rateSwitched bool // whether we've printed the switch notice
	lastHUDDraw  time.Time
}

const (
	rateThreshHigh = 200.0
	rateThreshLow  = 100.0
	sparklineWidth = 20
	minPathWidth   = 16
	hudMinInterval = 50 * time.Millisecond // don't redraw faster than this
)

func (p *hudPresenter) Run(events <-chan Event) error {
	if p.forceRate {
		p.rateMode = true
	}

	// Fire first tick quickly to seed the ring buffer, then switch to 1s.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw when no events are flowing, e.g. while one large file is read.
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.maybeSwitch()
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(1 * time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case PathNew:
		p.feedLine("+", ev.Path, "")
	case PathChanged:
		p.feedLine("M", ev.Path, "")
	case PathDeleted:
		p.feedLine("-", ev.Path, "")
	case FileRestored:
		if ev.Size > 0 {
			p.feedLine("✓", ev.Path, FormatBytes(ev.Size))
		} else {
			p.feedLine("✓", ev.Path, "")
		}
	case PathFailed:
		p.alwaysLine("✗", ev.Path, errText(ev.Error))
	case VerifyFailed:
		p.alwaysLine("✗", ev.Path, errText(ev.Error))
	case Regressed:
		p.clearHUD()
		fmt.Fprintf(p.w, "%srolled back unfinished session %s%s\n", ansiDim, formatSession(ev.Session), ansiReset)
		p.drawHUD()
	}
}

// feedLine prints a change when the feed is on: in verbose or forced feed
// mode, and only while the rate is low enough to read.
func (p *hudPresenter) feedLine(mark, path, detail string) {
	if p.rateMode || !(p.verbose || p.forceFeed) {
		return
	}
	p.alwaysLine(mark, path, detail)
}

func (p *hudPresenter) alwaysLine(mark, path, detail string) {
	p.clearHUD()
	room := 0
	if p.width > 0 {
		used := utf8.RuneCountInString(mark) + 2
		if detail != "" {
			used += utf8.RuneCountInString(detail) + 2
		}
		room = max(p.width-used, minPathWidth)
	}
	path = styledPath(fitPath(path, room))
	if detail != "" {
		fmt.Fprintf(p.w, "%s  %s  %s\n", mark, path, detail)
	} else {
		fmt.Fprintf(p.w, "%s  %s\n", mark, path)
	}
	p.drawHUD()
}

func (p *hudPresenter) maybeSwitch() {
	if p.forceFeed || p.forceRate {
		return
	}

	fps := p.stats.RollingFilesPerSec(2)

	if !p.rateMode && fps > rateThreshHigh {
		p.rateMode = true
		if !p.rateSwitched && p.verbose {
			p.rateSwitched = true
			p.clearHUD()
			fmt.Fprintf(p.w, "↯ rate view (%s files/s · use --feed to see individual files)\n",
				FormatCount(int64(fps)))
		}
	} else if p.rateMode && fps < rateThreshLow {
		p.rateMode = false
	}
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	if time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()
	p.clearHUD()

	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)
	speed := FormatRate(p.stats.RollingSpeed(10))

	switch p.op {
	case OpRestore:
		fmt.Fprintf(p.w, "%s  %s  %s files  %s  %s\n",
			spark, speed, FormatCount(snap.FilesRestored), FormatBytes(snap.BytesRestored),
			FormatDuration(snap.Elapsed))
	case OpVerify:
		fmt.Fprintf(p.w, "%s  %s paths  %s failed  %s\n",
			spark, FormatCount(snap.FilesVerified), FormatCount(snap.VerifyFailed),
			FormatDuration(snap.Elapsed))
	default:
		fmt.Fprintf(p.w, "%s  %s  %s scanned  %s changed  %s increments  %s\n",
			spark, speed, FormatCount(snap.FilesScanned),
			FormatCount(snap.FilesNew+snap.FilesChanged+snap.FilesDeleted),
			FormatCount(snap.IncrementsWritten), FormatDuration(snap.Elapsed))
	}

	p.hudDrawn = true
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	// Move the cursor up one line and clear to end of screen.
	fmt.Fprint(p.w, "\033[1A\033[J")
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.op, p.stats.Snapshot())
}

// styledPath returns the index path with the directory portion dimmed so
// the file name stands out.
func styledPath(p string) string {
	dir, base := path.Split(p)
	if dir == "" {
		return base
	}
	return fmt.Sprintf("%s%s%s%s", ansiDim, dir, ansiReset, base)
}
