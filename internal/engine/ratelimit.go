package engine

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const maxBurst = 1 << 20

// NewBWLimiter returns a limiter shared by every source read of a session,
// or nil when bytesPerSec is not positive. The burst is at most 1 MiB so a
// single large read cannot overshoot the budget by much.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(min(bytesPerSec, maxBurst)))
}

// throttled draws tokens for every byte read from the source.
type throttled struct {
	io.Reader
	ctx     context.Context
	limiter *rate.Limiter
}

// throttle wraps source content so it shares the session's bandwidth
// budget. A nil limiter returns r unchanged.
func throttle(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &throttled{Reader: r, ctx: ctx, limiter: limiter}
}

func (t *throttled) Read(p []byte) (int, error) {
	// Never ask for more than one burst at a time; WaitN rejects that.
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.Reader.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
