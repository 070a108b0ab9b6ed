package engine

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBWLimiter(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewBWLimiter(0))
	assert.Nil(t, NewBWLimiter(-5))
	assert.Equal(t, 4096, NewBWLimiter(4096).Burst())
	assert.Equal(t, maxBurst, NewBWLimiter(64<<20).Burst())
}

func TestThrottle_Unlimited(t *testing.T) {
	t.Parallel()

	src := bytes.NewReader(nil)
	assert.Same(t, src, throttle(context.Background(), src, nil))
}

func TestThrottle_ReadsEverythingInBurstSizedPieces(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 1000)
	r := throttle(context.Background(), bytes.NewReader(data), NewBWLimiter(64<<20))

	buf := make([]byte, 2*maxBurst)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	small := throttle(context.Background(), bytes.NewReader(data), NewBWLimiter(1000))
	n, err = small.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1000, n, "a read never exceeds one burst")
}

func TestThrottle_SlowsReads(t *testing.T) {
	t.Parallel()

	// 12 KiB at 8 KiB/s: the first 8 KiB is burst, the rest waits ~0.5s.
	data := bytes.Repeat([]byte("a"), 12<<10)
	start := time.Now()
	got, err := io.ReadAll(throttle(context.Background(), bytes.NewReader(data), NewBWLimiter(8<<10)))
	require.NoError(t, err)
	assert.Len(t, got, len(data))
	assert.Greater(t, time.Since(start), 300*time.Millisecond)
}

func TestThrottle_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := throttle(ctx, bytes.NewReader(make([]byte, 1<<20)), NewBWLimiter(1024))
	cancel()

	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, context.Canceled)
}
