package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitWithinLimitDoesNotBlock(t *testing.T) {
	l := New(3, 200*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background(), "example.org"))
	}

	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitBlocksUntilWindowSlides(t *testing.T) {
	window := 150 * time.Millisecond
	l := New(2, window)

	require.NoError(t, l.Wait(context.Background(), "example.org"))
	require.NoError(t, l.Wait(context.Background(), "example.org"))

	// 第三次必须等第一次滑出窗口
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "example.org"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestWaitKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "a.example.org"))
	require.NoError(t, l.Wait(context.Background(), "b.example.org"))
	require.NoError(t, l.Wait(context.Background(), "c.example.org"))

	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	l := New(1, time.Minute)
	require.NoError(t, l.Wait(context.Background(), "example.org"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Wait(ctx, "example.org")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitNeverDropsConcurrentRequests(t *testing.T) {
	window := 100 * time.Millisecond
	l := New(2, window)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = l.Wait(context.Background(), "example.org")
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// 6 次开始、每窗口 2 次，至少要跨过两个完整窗口
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
}
