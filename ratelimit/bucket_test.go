package ratelimit

import (
	"testing"
	"time"

	"github.com/test-go/testify/require"
)

func TestLimiter_AllowsUpToShortLimit(t *testing.T) {
	l := New(Config{ShortLimit: 3, ShortWindow: time.Minute, LongLimit: 100, LongWindow: time.Hour})

	for i := 0; i < 3; i++ {
		require.True(t, l.TryAcquire("peer-a"), "token %d should be allowed", i)
	}
	require.False(t, l.TryAcquire("peer-a"))
}

func TestLimiter_PerDestinationIsolation(t *testing.T) {
	l := New(Config{ShortLimit: 1, ShortWindow: time.Minute, LongLimit: 100, LongWindow: time.Hour})

	require.True(t, l.TryAcquire("peer-a"))
	require.False(t, l.TryAcquire("peer-a"))
	require.True(t, l.TryAcquire("peer-b"))
}

func TestLimiter_LongWindowBindsBeforeShortExhausts(t *testing.T) {
	l := New(Config{ShortLimit: 100, ShortWindow: time.Minute, LongLimit: 1, LongWindow: time.Hour})

	require.True(t, l.TryAcquire("peer-a"))
	require.False(t, l.TryAcquire("peer-a"))

	// The short-window token denied by the long window should have
	// been refunded, so a generous short limit isn't silently drained.
	b := l.bucketFor("peer-a")
	require.InDelta(t, 99, b.short.tokens, 1)
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(Config{ShortLimit: 1, ShortWindow: 20 * time.Millisecond, LongLimit: 100, LongWindow: time.Hour})

	require.True(t, l.TryAcquire("peer-a"))
	require.False(t, l.TryAcquire("peer-a"))

	time.Sleep(30 * time.Millisecond)
	require.True(t, l.TryAcquire("peer-a"))
}

func TestLimiter_DefaultConfigMatchesSpec(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, DefaultShortLimit, cfg.ShortLimit)
	require.Equal(t, DefaultShortWindow, cfg.ShortWindow)
	require.Equal(t, DefaultLongLimit, cfg.LongLimit)
	require.Equal(t, DefaultLongWindow, cfg.LongWindow)
}

func TestLimiter_Reset(t *testing.T) {
	l := New(Config{ShortLimit: 1, ShortWindow: time.Minute, LongLimit: 1, LongWindow: time.Hour})
	require.True(t, l.TryAcquire("peer-a"))
	require.False(t, l.TryAcquire("peer-a"))

	l.Reset()
	require.True(t, l.TryAcquire("peer-a"))
}
