package ui

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/event"
)

func TestQuietPresenterPrintsOnlyFailures(t *testing.T) {
	var errOut bytes.Buffer
	p := NewPresenter(Config{Quiet: true, ErrWriter: &errOut})

	events := make(chan Event, 4)
	events <- Event{Type: event.PathNew, Path: "new.txt"}
	events <- Event{Type: event.PathFailed, Path: "locked.db", Error: errors.New("permission denied")}
	events <- Event{Type: event.VerifyFailed, Path: "a", Error: errors.New("chain gap")}
	close(events)

	require.NoError(t, p.Run(events))
	assert.Equal(t, "locked.db: permission denied\na: chain gap\n", errOut.String())
	assert.Empty(t, p.Summary())
}
