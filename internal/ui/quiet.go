package ui

import (
	"fmt"
	"io"
)

// quietPresenter prints nothing but failures, which go to errW.
type quietPresenter struct {
	errW io.Writer
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for ev := range events {
		switch ev.Type {
		case PathFailed, VerifyFailed:
			if p.errW != nil {
				fmt.Fprintf(p.errW, "%s: %s\n", ev.Path, errText(ev.Error))
			}
		}
	}
	return nil
}

func (*quietPresenter) Summary() string {
	return ""
}
