package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/stats"
)

func runHUD(t *testing.T, p *hudPresenter, evs ...Event) string {
	t.Helper()
	var out bytes.Buffer
	p.w = &out
	if p.stats == nil {
		p.stats = stats.NewCollector()
	}
	events := make(chan Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	require.NoError(t, p.Run(events))
	return out.String()
}

func TestHudPresenterFeed(t *testing.T) {
	out := runHUD(t, &hudPresenter{forceFeed: true},
		Event{Type: event.PathNew, Path: "some/dir/file.txt"},
		Event{Type: event.PathDeleted, Path: "old.txt"},
	)

	assert.Contains(t, out, "+  "+ansiDim+"some/dir/"+ansiReset+"file.txt")
	assert.Contains(t, out, "-  old.txt")
}

func TestHudPresenterNoFeedByDefault(t *testing.T) {
	out := runHUD(t, &hudPresenter{},
		Event{Type: event.PathChanged, Path: "quiet.txt"},
	)
	assert.NotContains(t, out, "quiet.txt")
}

func TestHudPresenterRateModeSuppressesFeed(t *testing.T) {
	out := runHUD(t, &hudPresenter{forceRate: true, verbose: true},
		Event{Type: event.PathNew, Path: "hidden.txt"},
	)
	assert.NotContains(t, out, "hidden.txt")
}

func TestHudPresenterFailuresAlwaysShown(t *testing.T) {
	out := runHUD(t, &hudPresenter{forceRate: true},
		Event{Type: event.PathFailed, Path: "denied.txt", Error: assert.AnError},
	)
	assert.Contains(t, out, "✗  denied.txt")
	assert.Contains(t, out, assert.AnError.Error())
}

func TestHudPresenterStatusLine(t *testing.T) {
	collector := stats.NewCollector()
	collector.AddFilesScanned(1234)
	collector.AddIncrement(10)

	p := &hudPresenter{stats: collector}
	var out bytes.Buffer
	p.w = &out
	p.drawHUD()

	assert.Contains(t, out.String(), "1,234 scanned")
	assert.Contains(t, out.String(), "1 increments")
	assert.True(t, p.hudDrawn)

	out.Reset()
	p.clearHUD()
	assert.Equal(t, "\033[1A\033[J", out.String())
	assert.False(t, p.hudDrawn)
}

func TestHudPresenterClearsOnClose(t *testing.T) {
	out := runHUD(t, &hudPresenter{forceFeed: true},
		Event{Type: event.PathNew, Path: "a"},
	)
	assert.True(t, strings.HasSuffix(out, "\033[1A\033[J"), "HUD should be cleared at the end")
}

func TestStyledPath(t *testing.T) {
	assert.Equal(t, "file.txt", styledPath("file.txt"))
	assert.Equal(t, ansiDim+"a/b/"+ansiReset+"c", styledPath("a/b/c"))
}

func TestHudPresenterShortensPathsToWidth(t *testing.T) {
	out := runHUD(t, &hudPresenter{forceRate: true, width: 30},
		Event{Type: event.PathFailed, Path: "very/long/directory/structure/file.txt", Error: errors.New("boom")},
	)
	assert.Contains(t, out, "✗  "+ansiDim+"…y/structure/"+ansiReset+"file.txt  boom")
	assert.NotContains(t, out, "very/long")
}
