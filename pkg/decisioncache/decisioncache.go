// Package decisioncache caches access-table lookups in memory.
//
// Postfix asks the policy service once per recipient, so a message with a
// hundred recipients repeats the same client, helo and sender lookups a
// hundred times. Entries are keyed by a BLAKE3 digest of (kind, key): the
// lookup keys come straight from the SMTP client and may be long, while a
// digest keeps every entry the same size.
//
// Both matches and misses are cached, with separate TTLs. Concurrent misses
// for the same key share a single store query.
package decisioncache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
)

// Entry is the cached outcome of one lookup.
type Entry struct {
	Found    bool // false: no rule for this key (negative entry)
	RuleID   int64
	Key      string // rule key that matched
	Action   string
	Argument string

	CreatedAt time.Time
	ExpiresAt time.Time
}

type cacheKey [32]byte

func makeKey(kind, key string) cacheKey {
	h := blake3.New(32, nil)
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(key))
	var k cacheKey
	h.Sum(k[:0])
	return k
}

// Cache is safe for concurrent use.
type Cache struct {
	mu              sync.RWMutex
	entries         map[cacheKey]*Entry
	positiveTTL     time.Duration
	negativeTTL     time.Duration
	maxSize         int
	cleanupInterval time.Duration

	sfGroup singleflight.Group

	stopOnce       sync.Once
	stopCleanup    chan struct{}
	cleanupStopped chan struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache and starts its cleanup goroutine. Call Stop to end it.
func New(positiveTTL, negativeTTL time.Duration, maxSize int, cleanupInterval time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 100000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &Cache{
		entries:         make(map[cacheKey]*Entry),
		positiveTTL:     positiveTTL,
		negativeTTL:     negativeTTL,
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
	}
	go c.cleanupLoop()

	logger.Info("DecisionCache: Initialized", "positive_ttl", positiveTTL,
		"negative_ttl", negativeTTL, "max_size", maxSize, "cleanup_interval", cleanupInterval)
	return c
}

// Get returns a live entry for (kind, key).
func (c *Cache) Get(kind, key string) (*Entry, bool) {
	k := makeKey(kind, key)

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.ExpiresAt) {
		c.misses.Add(1)
		metrics.DecisionCacheMissesTotal.Inc()
		return nil, false
	}
	c.hits.Add(1)
	metrics.DecisionCacheHitsTotal.Inc()
	return entry, true
}

// Set stores entry, stamping its creation and expiry times from its kind
// (positive or negative).
func (c *Cache) Set(kind, key string, entry Entry) {
	c.store(makeKey(kind, key), &entry)
}

func (c *Cache) store(k cacheKey, entry *Entry) {
	ttl := c.negativeTTL
	if entry.Found {
		ttl = c.positiveTTL
	}
	if ttl <= 0 {
		return
	}
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[k] = entry
	metrics.DecisionCacheEntriesTotal.Set(float64(len(c.entries)))
}

// GetOrFetch returns the cached entry for (kind, key) or calls fetch to
// produce it. Concurrent callers for the same key wait for one fetch. Errors
// are not cached. The boolean reports whether the entry came from the cache.
func (c *Cache) GetOrFetch(ctx context.Context, kind, key string, fetch func(context.Context) (Entry, error)) (*Entry, bool, error) {
	if entry, ok := c.Get(kind, key); ok {
		return entry, true, nil
	}

	k := makeKey(kind, key)
	// The fetch is shared; one caller giving up must not fail the others.
	// The store bounds it with its own query timeout.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.sfGroup.DoChan(string(k[:]), func() (interface{}, error) {
		entry, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.store(k, &entry)
		return &entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			metrics.DecisionCacheSharedFetchesTotal.Inc()
		}
		return res.Val.(*Entry), false, nil
	}
}

// Invalidate drops the entry for (kind, key), e.g. after the rule changed.
func (c *Cache) Invalidate(kind, key string) {
	k := makeKey(kind, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
	metrics.DecisionCacheEntriesTotal.Set(float64(len(c.entries)))
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]*Entry)
	metrics.DecisionCacheEntriesTotal.Set(0)
}

// Len returns the number of entries, expired ones included until the next
// cleanup.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns hit and miss counters, the size and the hit rate in percent.
func (c *Cache) GetStats() (hits, misses uint64, size int, hitRate float64) {
	hits, misses = c.hits.Load(), c.misses.Load()
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return hits, misses, c.Len(), hitRate
}

// evictOldest removes the entry closest to expiry. Caller holds c.mu.
func (c *Cache) evictOldest() {
	var oldest cacheKey
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.ExpiresAt.Before(oldestTime) {
			oldest, oldestTime, first = k, e.ExpiresAt, false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("DecisionCache: Cleanup removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.DecisionCacheEntriesTotal.Set(float64(len(c.entries)))
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (c *Cache) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })

	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
