// Package ratelimit bounds outbound load per destination with a
// two-window token bucket: a short (per-minute) and a long (per-hour)
// refill window, both consulted on every tryAcquire.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults per the external interface's configuration table.
const (
	DefaultShortLimit  = 60
	DefaultShortWindow = time.Minute
	DefaultLongLimit   = 1000
	DefaultLongWindow  = time.Hour
)

// window is a single wait-free token bucket: tokens refill
// continuously at limit/duration and tryAcquire never blocks.
type window struct {
	limit    float64
	interval time.Duration

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func newWindow(limit int, interval time.Duration) *window {
	return &window{
		limit:      float64(limit),
		interval:   interval,
		tokens:     float64(limit),
		lastRefill: time.Now(),
	}
}

func (w *window) refillLocked(now time.Time) {
	elapsed := now.Sub(w.lastRefill)
	if elapsed <= 0 {
		return
	}
	rate := w.limit / float64(w.interval)
	w.tokens += float64(elapsed) * rate
	if w.tokens > w.limit {
		w.tokens = w.limit
	}
	w.lastRefill = now
}

// tryAcquire reports whether a token was available and, if so,
// consumes it. Never blocks.
func (w *window) tryAcquire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refillLocked(now)
	if w.tokens < 1 {
		return false
	}
	w.tokens--
	return true
}

// Config configures the two refill windows of a Limiter.
type Config struct {
	ShortLimit  int
	ShortWindow time.Duration
	LongLimit   int
	LongWindow  time.Duration
}

// DefaultConfig returns the spec defaults: 60/minute and 1000/hour.
func DefaultConfig() Config {
	return Config{
		ShortLimit:  DefaultShortLimit,
		ShortWindow: DefaultShortWindow,
		LongLimit:   DefaultLongLimit,
		LongWindow:  DefaultLongWindow,
	}
}

// Limiter is a per-destination, two-window token bucket. It is
// thread-safe and tryAcquire is wait-free: it never blocks the caller,
// only reports allow/deny, matching the outbound sendMessage path's
// need to fail fast with Error::RateLimited rather than stall.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*perDestination
}

type perDestination struct {
	short *window
	long  *window
}

// New creates a Limiter. A zero Config uses DefaultConfig.
func New(cfg Config) *Limiter {
	if cfg.ShortLimit == 0 && cfg.LongLimit == 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*perDestination),
	}
}

func (l *Limiter) bucketFor(destination string) *perDestination {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[destination]
	if !ok {
		b = &perDestination{
			short: newWindow(l.cfg.ShortLimit, l.cfg.ShortWindow),
			long:  newWindow(l.cfg.LongLimit, l.cfg.LongWindow),
		}
		l.buckets[destination] = b
	}
	return b
}

// TryAcquire reports whether a send to destination is currently
// permitted under both windows, consuming a token from each when it
// is. If the short window denies, the long window's token is not
// consumed (so a burst that is merely minute-limited doesn't also
// erode the hourly budget).
func (l *Limiter) TryAcquire(destination string) bool {
	b := l.bucketFor(destination)
	now := time.Now()
	if !b.short.tryAcquire(now) {
		return false
	}
	if !b.long.tryAcquire(now) {
		// Refund the short-window token: the request is still denied
		// overall, and only the binding window should be charged.
		b.short.mu.Lock()
		b.short.tokens++
		b.short.mu.Unlock()
		return false
	}
	return true
}

// Reset clears all per-destination state, primarily for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*perDestination)
}
