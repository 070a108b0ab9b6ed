package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	n         int
	processed bool
}

func feedN(n int) func(context.Context, func(*item) error) error {
	return func(ctx context.Context, submit func(*item) error) error {
		for i := range n {
			if err := submit(&item{n: i}); err != nil {
				return err
			}
		}
		return nil
	}
}

func jitter(_ context.Context, it *item) {
	time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
	it.processed = true
}

func TestRunOrdered_PreservesOrder(t *testing.T) {
	t.Parallel()

	var got []int
	err := runOrdered(context.Background(), 8, feedN(500), jitter, func(it *item) error {
		require.True(t, it.processed)
		got = append(got, it.n)
		return nil
	}, nil)
	require.NoError(t, err)

	require.Len(t, got, 500)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestRunOrdered_CommitErrorDiscardsRest(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var committed, discarded atomic.Int64
	var mu sync.Mutex
	seen := make(map[int]bool)

	err := runOrdered(context.Background(), 4, feedN(1000), jitter, func(it *item) error {
		if it.n == 10 {
			return boom
		}
		committed.Add(1)
		mu.Lock()
		seen[it.n] = true
		mu.Unlock()
		return nil
	}, func(it *item) {
		discarded.Add(1)
		mu.Lock()
		assert.False(t, seen[it.n], "item %d both committed and discarded", it.n)
		mu.Unlock()
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(10), committed.Load())
	// The failing item and everything already submitted behind it.
	assert.GreaterOrEqual(t, discarded.Load(), int64(1))
}

func TestRunOrdered_FeedError(t *testing.T) {
	t.Parallel()

	boom := errors.New("scan failed")
	var committed int
	err := runOrdered(context.Background(), 2, func(ctx context.Context, submit func(*item) error) error {
		for i := range 5 {
			if err := submit(&item{n: i}); err != nil {
				return err
			}
		}
		return boom
	}, jitter, func(*item) error {
		committed++
		return nil
	}, nil)
	require.ErrorIs(t, err, boom)
	assert.LessOrEqual(t, committed, 5)
}

func TestRunOrdered_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var committed int
	err := runOrdered(ctx, 4, feedN(100000), jitter, func(it *item) error {
		committed++
		if committed == 50 {
			cancel()
		}
		return nil
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, committed, 100000)
}
