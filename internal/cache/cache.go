// Package cache implements the Control Layer's small in-process TTL cache
// (spec §4.7): per-entry expiry, hit/miss counters, and per-device
// invalidation. Expiry is evaluated lazily on read and opportunistically on
// write; all operations are safe for concurrent callers.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSink receives Cache-level observability events (spec §4.10's
// cache_hits_total/cache_misses_total/cache_size).
type MetricsSink interface {
	ObserveHit(cache string)
	ObserveMiss(cache string)
	SetSize(cache string, n int)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) ObserveHit(string)         {}
func (NopMetricsSink) ObserveMiss(string)        {}
func (NopMetricsSink) SetSize(string, int)       {}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Stats is the snapshot returned by Cache.Stats (spec §4.7).
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a small, concurrency-safe key -> value store with per-entry TTL.
// Put stores the value it is given and Get returns that same value; no copy
// is made, so slices, maps or pointers inside a cached value are shared by
// every caller that reads it.
type Cache struct {
	name    string
	metrics MetricsSink

	mu      sync.Mutex
	entries map[string]entry

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New constructs a named Cache (the name labels its metrics, e.g. "status",
// "devices", "advisory").
func New(name string, metrics MetricsSink) *Cache {
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	return &Cache{name: name, metrics: metrics, entries: make(map[string]entry)}
}

// Get returns the cached value for key and whether it was a live hit. An
// expired entry is evicted and counted as a miss (spec §4.7: "Expiry is
// evaluated lazily on read").
func (c *Cache) Get(key string) (interface{}, bool) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && now.After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	size := len(c.entries)
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
		c.metrics.ObserveHit(c.name)
	} else {
		c.misses.Add(1)
		c.metrics.ObserveMiss(c.name)
	}
	c.metrics.SetSize(c.name, size)
	return e.value, ok
}

// Put stores value under key with the given TTL, opportunistically sweeping
// a bounded number of other expired entries on the way in (spec §4.7:
// "evaluated ... opportunistically on write").
func (c *Cache) Put(key string, value interface{}, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	c.sweepLocked(now, 8)
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetSize(c.name, size)
}

// sweepLocked removes up to `budget` expired entries. Caller must hold c.mu.
func (c *Cache) sweepLocked(now time.Time, budget int) {
	for k, e := range c.entries {
		if budget <= 0 {
			return
		}
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			budget--
		}
	}
}

// Invalidate removes key immediately, regardless of its TTL.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()
	c.metrics.SetSize(c.name, size)
}

// InvalidateDevice removes every entry whose key contains deviceID (spec
// §4.7), e.g. invalidating "advisory:D1" when D1 is the device.
func (c *Cache) InvalidateDevice(deviceID string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.Contains(k, deviceID) {
			delete(c.entries, k)
		}
	}
	size := len(c.entries)
	c.mu.Unlock()
	c.metrics.SetSize(c.name, size)
}

// Stats returns the cache's current size and hit-rate counters (spec §4.7,
// §8 invariant 6: hit_rate = hits / (hits + misses) exactly).
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{Size: size, Hits: hits, Misses: misses, HitRate: rate}
}
