// Package cache provides an in-memory TTL cache with LRU eviction for
// memoizing connector fetch results. Entries expire lazily on read, are
// purged opportunistically on write, and a background sweep removes the
// rest. Large values are gzip-compressed transparently.
//
// Caching is best-effort: any internal failure (e.g. a corrupt compressed
// entry) degrades to a miss, never to a caller-visible error.
package cache

import (
	"bytes"
	"container/list"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/pkg/config"
)

// Cache is a concurrency-safe TTL cache with an optional LRU entry cap.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	defaultTTL  time.Duration
	maxEntries  int
	compressMin int // 0 disables compression

	logger *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	totalBytes  int64 // uncompressed size of live entries, guarded by mu
}

type entry struct {
	key        string
	value      []byte
	compressed bool
	createdAt  time.Time
	ttl        time.Duration
	size       int64 // uncompressed size
	elem       *list.Element
}

// valid reports whether the entry is fresh at time now.
func (e *entry) valid(now time.Time) bool {
	return now.Before(e.createdAt.Add(e.ttl))
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	HitRate     float64 `json:"hit_rate"`
}

// New creates a cache and starts its background sweep goroutine.
func New(cfg config.CacheConfig, logger *zap.Logger) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		defaultTTL: cfg.DefaultTTL,
		maxEntries: cfg.MaxEntries,
		logger:     logger.With(zap.String("component", "cache")),
		stopCh:     make(chan struct{}),
	}
	if cfg.EnableCompression {
		c.compressMin = cfg.CompressionThreshold
		if c.compressMin <= 0 {
			c.compressMin = 4096
		}
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	c.wg.Add(1)
	go c.sweepLoop(interval)

	return c
}

// Get returns the cached value for key, or ok=false on a miss. An expired
// entry is removed and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	now := time.Now()
	if !e.valid(now) {
		c.removeLocked(e)
		c.mu.Unlock()
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	c.lru.MoveToFront(e.elem)
	value := e.value
	compressed := e.compressed
	c.mu.Unlock()

	if compressed {
		decoded, err := gunzip(value)
		if err != nil {
			// Corrupt entry: drop it and degrade to a miss.
			c.logger.Warn("failed to decompress cache entry, dropping",
				zap.String("key", key), zap.Error(err))
			c.Invalidate(key)
			atomic.AddInt64(&c.misses, 1)
			return nil, false
		}
		value = decoded
	} else {
		// Callers own the returned slice; never alias cache storage.
		out := make([]byte, len(value))
		copy(out, value)
		value = out
	}

	atomic.AddInt64(&c.hits, 1)
	return value, true
}

// Set stores value under key with the given TTL (the cache default if ttl
// <= 0). An existing entry for the key is overwritten cleanly, expired or
// not.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	size := int64(len(value))
	stored := value
	compressed := false
	if c.compressMin > 0 && len(value) >= c.compressMin {
		if packed, err := gzipBytes(value); err == nil && len(packed) < len(value) {
			stored = packed
			compressed = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	e := &entry{
		key:        key,
		value:      stored,
		compressed: compressed,
		createdAt:  time.Now(),
		ttl:        ttl,
		size:       size,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.totalBytes += size

	c.purgeTailLocked(4)

	if c.maxEntries > 0 {
		for len(c.entries) > c.maxEntries {
			back := c.lru.Back()
			if back == nil {
				break
			}
			c.removeLocked(back.Value.(*entry))
			atomic.AddInt64(&c.evictions, 1)
		}
	}
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	bytes := c.totalBytes
	c.mu.Unlock()

	s := Stats{
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		Evictions:   atomic.LoadInt64(&c.evictions),
		Expirations: atomic.LoadInt64(&c.expirations),
		Entries:     entries,
		Bytes:       bytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the background sweep.
func (c *Cache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// removeLocked unlinks an entry; caller holds c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	c.totalBytes -= e.size
}

// purgeTailLocked drops up to n expired entries from the cold end of the
// LRU list; caller holds c.mu.
func (c *Cache) purgeTailLocked(n int) {
	now := time.Now()
	back := c.lru.Back()
	for i := 0; i < n && back != nil; i++ {
		e := back.Value.(*entry)
		back = back.Prev()
		if !e.valid(now) {
			c.removeLocked(e)
			atomic.AddInt64(&c.expirations, 1)
		}
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	now := time.Now()
	var removed int
	for _, e := range c.entries {
		if !e.valid(now) {
			c.removeLocked(e)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		atomic.AddInt64(&c.expirations, int64(removed))
		c.logger.Debug("swept expired cache entries", zap.Int("removed", removed))
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
