package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/utils"
)

type entry[T any] struct {
	value     T
	createdAt time.Time
}

func (e entry[T]) expired(now time.Time, ttl time.Duration) bool {
	return now.After(e.createdAt.Add(ttl))
}

type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Size       int
	CodeSize   int
	CreatedAt  time.Time
	LastAccess time.Time
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache holds values by numeric id plus a secondary index from short code to id.
// Entries older than the TTL are never returned.
type Cache[T any] struct {
	mu    sync.RWMutex
	byID  map[int64]entry[T]
	codes map[string]entry[int64]

	ttl           time.Duration
	maxSize       int
	sweepInterval time.Duration

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	createdAt  time.Time
	lastAccess atomic.Int64

	now    func() time.Time
	log    zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func New[T any](ttl time.Duration, maxSize int, sweepInterval time.Duration) *Cache[T] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Cache[T]{
		byID:          make(map[int64]entry[T]),
		codes:         make(map[string]entry[int64]),
		ttl:           ttl,
		maxSize:       maxSize,
		sweepInterval: sweepInterval,
		createdAt:     time.Now(),
		now:           time.Now,
		log:           utils.GetLogger("cache"),
	}
}

func (c *Cache[T]) touch() {
	c.lastAccess.Store(c.now().UnixNano())
}

func (c *Cache[T]) Get(id int64) (T, bool) {
	c.touch()
	now := c.now()
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		var zero T
		return zero, false
	}
	if e.expired(now, c.ttl) {
		c.mu.Lock()
		// another caller may have replaced or already evicted it
		if cur, still := c.byID[id]; still && cur.createdAt.Equal(e.createdAt) {
			delete(c.byID, id)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		var zero T
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *Cache[T]) Put(id int64, value T) {
	c.touch()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[id]; !exists && len(c.byID) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.byID[id] = entry[T]{value: value, createdAt: c.now()}
}

func (c *Cache[T]) Invalidate(id int64) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

func (c *Cache[T]) GetIDByCode(code string) (int64, bool) {
	c.touch()
	now := c.now()
	c.mu.RLock()
	e, ok := c.codes[code]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return 0, false
	}
	if e.expired(now, c.ttl) {
		c.mu.Lock()
		if cur, still := c.codes[code]; still && cur.createdAt.Equal(e.createdAt) {
			delete(c.codes, code)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return 0, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *Cache[T]) PutCode(code string, id int64) {
	c.touch()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.codes[code]; !exists && len(c.codes) >= c.maxSize {
		c.evictOldestCodesLocked()
	}
	c.codes[code] = entry[int64]{value: id, createdAt: c.now()}
}

func (c *Cache[T]) InvalidateCode(code string) {
	c.mu.Lock()
	delete(c.codes, code)
	c.mu.Unlock()
}

func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.byID = make(map[int64]entry[T])
	c.codes = make(map[string]entry[int64])
	c.mu.Unlock()
	c.log.Debug().Msg("cache cleared")
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Cache[T]) Stats() Stats {
	c.mu.RLock()
	size, codeSize := len(c.byID), len(c.codes)
	c.mu.RUnlock()
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
		CodeSize:  codeSize,
		CreatedAt: c.createdAt,
	}
	if ns := c.lastAccess.Load(); ns > 0 {
		s.LastAccess = time.Unix(0, ns)
	}
	return s
}

// evictionBatch is the number of entries dropped when the cache is full: a tenth, at least one.
func evictionBatch(size int) int {
	return max(1, size/10)
}

func (c *Cache[T]) evictOldestLocked() {
	ids := make([]int64, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.byID[ids[i]].createdAt.Before(c.byID[ids[j]].createdAt)
	})
	n := evictionBatch(len(ids))
	for _, id := range ids[:n] {
		delete(c.byID, id)
	}
	c.evictions.Add(int64(n))
	c.log.Debug().Int("evicted", n).Msg("cache full, evicted oldest entries")
}

func (c *Cache[T]) evictOldestCodesLocked() {
	codes := make([]string, 0, len(c.codes))
	for code := range c.codes {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		return c.codes[codes[i]].createdAt.Before(c.codes[codes[j]].createdAt)
	})
	n := evictionBatch(len(codes))
	for _, code := range codes[:n] {
		delete(c.codes, code)
	}
	c.evictions.Add(int64(n))
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	now := c.now()
	removed := 0
	c.mu.Lock()
	for id, e := range c.byID {
		if e.expired(now, c.ttl) {
			delete(c.byID, id)
			removed++
		}
	}
	for code, e := range c.codes {
		if e.expired(now, c.ttl) {
			delete(c.codes, code)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.evictions.Add(int64(removed))
		c.log.Debug().Int("removed", removed).Msg("swept expired entries")
	}
	return removed
}

// Start runs the periodic sweep until ctx is done or Stop is called.
func (c *Cache[T]) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Cache[T]) Stop() {
	if c.stopCh == nil {
		return
	}
	c.once.Do(func() { close(c.stopCh) })
	<-c.doneCh
}
