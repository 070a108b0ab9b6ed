package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type slot[T any] struct {
	v    T
	done chan struct{}
}

// runOrdered runs process on up to workers items at once and hands each
// item to commit in the order feed submitted it. process must finish even
// when ctx is canceled. The first error from feed or commit cancels the
// rest and is returned; every item that was submitted but not committed is
// then passed to discard, if set.
func runOrdered[T any](
	ctx context.Context,
	workers int,
	feed func(ctx context.Context, submit func(T) error) error,
	process func(ctx context.Context, v T),
	commit func(v T) error,
	discard func(v T),
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	work := make(chan *slot[T], workers)
	order := make(chan *slot[T], workers*4)

	for range workers {
		g.Go(func() error {
			for s := range work {
				process(gctx, s.v)
				close(s.done)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		defer close(order)
		return feed(gctx, func(v T) error {
			s := &slot[T]{v: v, done: make(chan struct{})}
			select {
			case order <- s:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case work <- s:
			case <-gctx.Done():
				close(s.done)
				return gctx.Err()
			}
			return nil
		})
	})

	var commitErr error
	g.Go(func() error {
		var err error
		for s := range order {
			if err == nil {
				select {
				case <-s.done:
					if err = commit(s.v); err == nil {
						continue
					}
					commitErr = err
				case <-gctx.Done():
					err = gctx.Err()
				}
				cancel()
			}
			<-s.done
			if discard != nil {
				discard(s.v)
			}
		}
		return err
	})

	err := g.Wait()
	if commitErr != nil {
		return commitErr
	}
	return err
}
