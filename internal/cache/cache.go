package cache

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"sync"
	"time"
)

// Default knobs. Callers override them through Options; they are not baked
// into call sites.
const (
	DefaultTTL             = 15 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultPreloadTTL      = 60 * time.Minute
)

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

// Cache is an in-process expiring key-value store. It is process-local and
// non-authoritative: every entry must be re-derivable from the source store.
// Instances are constructed explicitly and injected; there is no package
// singleton.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	defaultTTL      time.Duration
	cleanupInterval time.Duration
	preloadTTL      time.Duration
	now             func() time.Time
}

// Options configures a Cache. Zero fields fall back to the defaults above.
type Options struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	PreloadTTL      time.Duration
	Now             func() time.Time // test hook
}

// New creates an empty cache. Call StartSweeper to bound memory growth from
// keys that are never re-read.
func New(opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.PreloadTTL <= 0 {
		opts.PreloadTTL = DefaultPreloadTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:         make(map[string]entry),
		defaultTTL:      opts.DefaultTTL,
		cleanupInterval: opts.CleanupInterval,
		preloadTTL:      opts.PreloadTTL,
		now:             opts.Now,
	}
}

// DefaultTTLValue returns the configured default TTL.
func (c *Cache) DefaultTTLValue() time.Duration { return c.defaultTTL }

// PreloadTTLValue returns the configured preload TTL.
func (c *Cache) PreloadTTLValue() time.Duration { return c.preloadTTL }

// Set stores value under key with an absolute expiry of now+ttl, replacing
// any existing entry. ttl <= 0 uses the default TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.mu.Lock()
	c.entries[key] = entry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

// Get returns the stored value, or nil if the key is absent or expired.
// Expired entries are evicted on read. TTLs are absolute; a read does not
// extend them.
func (c *Cache) Get(key string) any {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e.value
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearPattern evicts every entry whose key matches re. O(n) over the key
// space; invalidation is rare relative to reads.
func (c *Cache) ClearPattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if re.MatchString(k) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats reports active vs logically-expired-but-unswept entries and an
// approximate memory estimate from serialized key+value sizes.
type Stats struct {
	Active       int   `json:"active"`
	Expired      int   `json:"expired"`
	ApproxBytes  int64 `json:"approxBytes"`
	TotalEntries int   `json:"totalEntries"`
}

func (c *Cache) GetStats() Stats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	for k, e := range c.entries {
		s.TotalEntries++
		if now.After(e.expiresAt) {
			s.Expired++
		} else {
			s.Active++
		}
		s.ApproxBytes += int64(len(k))
		if b, err := json.Marshal(e.value); err == nil {
			s.ApproxBytes += int64(len(b))
		}
	}
	return s
}

// sweep purges all expired entries regardless of whether they are ever read
// again.
func (c *Cache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs the periodic purge until ctx is cancelled. Wire it from
// main alongside the other background workers.
func (c *Cache) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	log.Printf("[Cache] sweeper started interval=%s", c.cleanupInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Cache] sweeper stopped")
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				log.Printf("[Cache] swept %d expired entries", n)
			}
		}
	}
}

// Result is what a read-through fetch hands back to callers. FromCache lets
// callers and tests observe whether the underlying query ran.
type Result struct {
	Data      any  `json:"data"`
	FromCache bool `json:"fromCache"`
}

// Fetch is a read-through helper: return the cached value if present,
// otherwise run fetch, store its result under key with ttl (<=0 means the
// default TTL) and return it. A failed fetch propagates the error and never
// populates the cache.
func (c *Cache) Fetch(key string, ttl time.Duration, fetch func() (any, error)) (Result, error) {
	if v := c.Get(key); v != nil {
		return Result{Data: v, FromCache: true}, nil
	}
	v, err := fetch()
	if err != nil {
		return Result{}, err
	}
	c.Set(key, v, ttl)
	return Result{Data: v, FromCache: false}, nil
}
