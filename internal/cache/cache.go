// Package cache provides caching for decoded and encoded tiles.
package cache

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slide-tiles/server/internal/tile"
)

// LevelCache holds decoded tiles in one LRU per pyramid level. Levels have
// independent capacities, so a flood of base-level requests can never evict
// the low-resolution overview tiles the viewer falls back on while panning.
type LevelCache struct {
	shards []*levelShard
}

type levelShard struct {
	capacity int
	lru      *lru.Cache[tile.Key, *image.RGBA]

	mu    sync.Mutex // serializes writes so byte accounting tracks the LRU exactly
	bytes int64      // guarded by mu

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewLevelCache creates one LRU per level. capacities[i] is the maximum
// number of tiles held for level i; every capacity must be positive.
func NewLevelCache(capacities []int) (*LevelCache, error) {
	if len(capacities) == 0 {
		return nil, fmt.Errorf("no level capacities given")
	}
	shards := make([]*levelShard, len(capacities))
	for i, capacity := range capacities {
		if capacity <= 0 {
			return nil, fmt.Errorf("level %d capacity must be positive, got %d", i, capacity)
		}
		s := &levelShard{capacity: capacity}
		l, err := lru.NewWithEvict(capacity, func(_ tile.Key, img *image.RGBA) {
			// Runs on the inserting goroutine while s.mu is held.
			s.evictions.Add(1)
			if img != nil {
				s.bytes -= int64(len(img.Pix))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create level %d cache: %w", i, err)
		}
		s.lru = l
		shards[i] = s
	}
	return &LevelCache{shards: shards}, nil
}

func (c *LevelCache) shard(level int) (*levelShard, error) {
	if level < 0 || level >= len(c.shards) {
		return nil, fmt.Errorf("%w: cache has no level %d", tile.ErrOutOfRange, level)
	}
	return c.shards[level], nil
}

// Get returns the cached tile and promotes it to most recently used.
func (c *LevelCache) Get(key tile.Key) (*image.RGBA, bool) {
	s, err := c.shard(key.Level)
	if err != nil {
		return nil, false
	}
	img, ok := s.lru.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return img, ok
}

// Contains reports presence without touching recency or the hit counters.
func (c *LevelCache) Contains(key tile.Key) bool {
	s, err := c.shard(key.Level)
	if err != nil {
		return false
	}
	return s.lru.Contains(key)
}

// Peek returns the cached tile without promoting it.
func (c *LevelCache) Peek(key tile.Key) (*image.RGBA, bool) {
	s, err := c.shard(key.Level)
	if err != nil {
		return nil, false
	}
	return s.lru.Peek(key)
}

// Add inserts a decoded tile. When the level is at capacity the least
// recently used tile of that same level is evicted synchronously; other
// levels are never touched. Re-adding a present key replaces the pixels
// without evicting anything.
func (c *LevelCache) Add(key tile.Key, img *image.RGBA) (evicted bool, err error) {
	s, err := c.shard(key.Level)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lru.Peek(key); ok && prev != nil {
		s.bytes -= int64(len(prev.Pix))
	}
	evicted = s.lru.Add(key, img)
	if img != nil {
		s.bytes += int64(len(img.Pix))
	}
	return evicted, nil
}

// Len returns the number of tiles cached for one level.
func (c *LevelCache) Len(level int) int {
	s, err := c.shard(level)
	if err != nil {
		return 0
	}
	return s.lru.Len()
}

// Capacity returns the configured capacity for one level.
func (c *LevelCache) Capacity(level int) int {
	s, err := c.shard(level)
	if err != nil {
		return 0
	}
	return s.capacity
}

// Levels returns how many levels the cache was built for.
func (c *LevelCache) Levels() int { return len(c.shards) }

// Purge drops every cached tile on every level.
func (c *LevelCache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// LevelStats is a point-in-time snapshot of one level's cache counters.
type LevelStats struct {
	Level     int   `json:"level"`
	Len       int   `json:"len"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Bytes     int64 `json:"bytes"`
}

// Stats snapshots all levels in level order.
func (c *LevelCache) Stats() []LevelStats {
	out := make([]LevelStats, len(c.shards))
	for i, s := range c.shards {
		s.mu.Lock()
		bytes := s.bytes
		s.mu.Unlock()
		out[i] = LevelStats{
			Level:     i,
			Len:       s.lru.Len(),
			Capacity:  s.capacity,
			Hits:      s.hits.Load(),
			Misses:    s.misses.Load(),
			Evictions: s.evictions.Load(),
			Bytes:     bytes,
		}
	}
	return out
}

// EncodedCache holds encoded tile and view images (PNG bytes) with a TTL. It
// fronts the renderer the same way LevelCache fronts the decoder, so repeated
// HTTP fetches of the same tile skip the PNG encoder entirely.
type EncodedCache struct {
	bc *bigcache.BigCache
}

// NewEncodedCache creates the encoded-image cache. sizeMB caps resident
// memory; entries expire after ttl.
func NewEncodedCache(sizeMB int, ttl time.Duration) (*EncodedCache, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	config := bigcache.Config{
		Shards:             1024,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       100 * 1024, // typical PNG tile is well under 100KB
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	}

	bc, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoded cache: %w", err)
	}
	return &EncodedCache{bc: bc}, nil
}

// Get retrieves an encoded image from cache.
func (c *EncodedCache) Get(key string) ([]byte, bool) {
	data, err := c.bc.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores an encoded image in cache.
func (c *EncodedCache) Set(key string, data []byte) error {
	return c.bc.Set(key, data)
}

// Len returns the number of cached entries.
func (c *EncodedCache) Len() int { return c.bc.Len() }

// Capacity returns the bytes currently allocated by the cache.
func (c *EncodedCache) Capacity() int { return c.bc.Capacity() }

// Close releases the cache.
func (c *EncodedCache) Close() error { return c.bc.Close() }

// TilePNGKey is the encoded-cache key for one rendered tile.
func TilePNGKey(slideID string, key tile.Key) string {
	return fmt.Sprintf("png:%s:%d/%d/%d", slideID, key.Level, key.Col, key.Row)
}

// ThumbnailKey is the encoded-cache key for a slide thumbnail.
func ThumbnailKey(slideID string, maxDim int) string {
	return fmt.Sprintf("thumb:%s:%d", slideID, maxDim)
}

// ViewKey is the encoded-cache key for a composited viewport render.
func ViewKey(slideID string, level int, r tile.Rect) string {
	return fmt.Sprintf("view:%s:%d:%d,%d,%dx%d", slideID, level, r.X, r.Y, r.W, r.H)
}
