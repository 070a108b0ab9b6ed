package ui

import (
	"io"

	"github.com/bamsammich/backtrack/internal/stats"
)

// Op selects which counters and wording a presenter uses.
type Op int

const (
	OpBackup Op = iota
	OpRestore
	OpVerify
)

// A Presenter renders the event stream of one operation. Run returns once
// events is closed; Summary is valid after that.
type Presenter interface {
	Run(events <-chan Event) error
	Summary() string
}

type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	Op        Op

	// IsTTY and Width describe ErrWriter. Width is 0 when unknown.
	IsTTY bool
	Width int

	Quiet      bool
	Verbose    bool
	NoProgress bool
	ForceFeed  bool
	ForceRate  bool
}

func (c Config) live() bool {
	return c.IsTTY && !c.NoProgress
}

// NewPresenter picks quiet, live HUD or line-oriented output.
//
//nolint:ireturn
func NewPresenter(cfg Config) Presenter {
	switch {
	case cfg.Quiet:
		return &quietPresenter{errW: cfg.ErrWriter}
	case cfg.live():
		return &hudPresenter{
			w:         cfg.ErrWriter,
			stats:     cfg.Stats,
			op:        cfg.Op,
			verbose:   cfg.Verbose,
			forceFeed: cfg.ForceFeed,
			forceRate: cfg.ForceRate,
			width:     cfg.Width,
		}
	default:
		return &plainPresenter{
			w:       cfg.Writer,
			errW:    cfg.ErrWriter,
			stats:   cfg.Stats,
			op:      cfg.Op,
			verbose: cfg.Verbose,
		}
	}
}
