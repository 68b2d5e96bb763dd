// Package ratelimit implements the Control Layer's API token-bucket rate
// limiter (spec §4.8): a fixed-capacity bucket per (API key or remote
// address) that refills to full capacity once per window, keyed lazily on
// first use.
//
// The per-key bucket shape and its lazy, lock-protected refill-on-read
// evaluation are adapted from the teacher's escalation-budget token bucket
// (github.com/octoreflex/octoreflex/internal/budget): same capacity/window
// model, generalized from a single process-wide bucket with a background
// refill goroutine to a map of per-key buckets refilled lazily on access —
// a background goroutine per API key or client IP would leak under churn.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ParseRate parses a "<count>/<period>" rate string (e.g. "100/minute",
// "20/second") into a token-bucket capacity and window, as configured by
// RATE_LIMIT_DEFAULT (spec §4.8).
func ParseRate(rate string) (capacity int, window time.Duration, err error) {
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: malformed rate %q, want \"<count>/<period>\"", rate)
	}
	capacity, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || capacity <= 0 {
		return 0, 0, fmt.Errorf("ratelimit: invalid count in rate %q", rate)
	}
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "second", "sec", "s":
		window = time.Second
	case "minute", "min", "m":
		window = time.Minute
	case "hour", "h":
		window = time.Hour
	default:
		return 0, 0, fmt.Errorf("ratelimit: unknown period in rate %q", rate)
	}
	return capacity, window, nil
}

// Bucket is a single fixed-window token bucket: it holds `tokens` out of
// `capacity`, and refills to full the first time it is touched after
// `resetAt`.
type Bucket struct {
	mu        sync.Mutex
	capacity  int
	window    time.Duration
	tokens    int
	resetAt   time.Time
	lastUsed  time.Time
}

func newBucket(capacity int, window time.Duration, now time.Time) *Bucket {
	return &Bucket{
		capacity: capacity,
		window:   window,
		tokens:   capacity,
		resetAt:  now.Add(window),
		lastUsed: now,
	}
}

// allow consumes one token if available, refilling first if the current
// window has elapsed. Returns whether the request is allowed and the
// duration until the bucket next has a free token (for Retry-After).
func (b *Bucket) allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !now.Before(b.resetAt) {
		b.tokens = b.capacity
		b.resetAt = now.Add(b.window)
	}
	b.lastUsed = now

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Limiter rate-limits requests keyed by an arbitrary string (API key, or
// remote address when no key is present, per spec §4.8).
type Limiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	buckets  map[string]*Bucket

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Limiter granting `capacity` requests per `window` to each
// distinct key. A background sweep evicts buckets idle for 10 windows so the
// key set does not grow unbounded under churning client addresses.
func New(capacity int, window time.Duration) *Limiter {
	l := &Limiter{
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*Bucket),
		stopCh:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether the request identified by key may proceed. When
// denied, retryAfter is the caller-facing Retry-After duration.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	b, exists := l.buckets[key]
	if !exists {
		b = newBucket(l.capacity, l.window, now)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.allow(now)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-10 * l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
