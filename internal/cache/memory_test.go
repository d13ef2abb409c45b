package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemory_SetGetExists(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(WithClock(clock.Now))

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	clock.Advance(time.Minute)
	exists, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMemory_IncrWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(WithClock(clock.Now))

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "rate", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}

	clock.Advance(30 * time.Second)
	n, err := m.Incr(ctx, "rate", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	clock.Advance(30 * time.Second)
	n, err = m.Incr(ctx, "rate", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "window opened by the first hit has elapsed")
}

func TestMemory_DecrFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Decr(ctx, "ip")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	_, _ = m.Incr(ctx, "ip", time.Minute)
	_, _ = m.Incr(ctx, "ip", time.Minute)
	n, err = m.Decr(ctx, "ip")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = m.Decr(ctx, "ip")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	exists, err := m.Exists(ctx, "ip")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMemory_ConcurrentIncr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const workers = 64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _ = m.Incr(ctx, "shared", time.Minute)
		}()
	}
	wg.Wait()

	n, err := m.Incr(ctx, "shared", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(workers+1), n)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()
	_, err := m.Incr(ctx, "k", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
