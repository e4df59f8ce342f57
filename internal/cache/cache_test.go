package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache[string], *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string](ttl, maxSize, time.Hour)
	c.now = clock.Now
	return c, clock
}

func TestPutGetWithinTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Put(1, "video-one")
	clock.Advance(59 * time.Second)
	got, ok := c.Get(1)
	if !ok || got != "video-one" {
		t.Fatalf("Get(1) = %q, %v; want video-one, true", got, ok)
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 0 || s.Evictions != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestExpiredGetIsMissAndEviction(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Put(1, "a")
	c.Put(2, "b")
	clock.Advance(time.Minute + time.Second)

	if _, ok := c.Get(1); ok {
		t.Fatal("expired entry returned as hit")
	}
	if _, ok := c.Get(1); ok {
		t.Fatal("expired entry returned as hit on second lookup")
	}
	s := c.Stats()
	if s.Evictions != 1 {
		t.Errorf("evictions = %d, want 1 per expired key touched", s.Evictions)
	}
	if s.Misses != 2 {
		t.Errorf("misses = %d, want 2", s.Misses)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1 (untouched key stays until sweep)", c.Len())
	}
}

func TestExpiryBoundary(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Put(1, "a")
	clock.Advance(time.Minute)
	if _, ok := c.Get(1); !ok {
		t.Error("entry exactly at ttl should still be a hit")
	}
}

func TestPutEvictsOldestTenPercent(t *testing.T) {
	c, clock := newTestCache(time.Hour, 20)
	for i := int64(0); i < 20; i++ {
		c.Put(i, "v")
		clock.Advance(time.Second)
	}
	c.Put(100, "new")
	if c.Len() != 19 {
		t.Fatalf("len = %d, want 19 (20 - 2 evicted + 1)", c.Len())
	}
	for _, id := range []int64{0, 1} {
		if _, ok := c.Get(id); ok {
			t.Errorf("oldest id %d should have been evicted", id)
		}
	}
	if _, ok := c.Get(2); !ok {
		t.Error("id 2 should survive")
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("evictions = %d, want 2", got)
	}
}

func TestEvictsAtLeastOne(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Put(3, "c")
	c.Put(4, "d")
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
}

func TestCodeIndex(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.PutCode("BV1xx", 42)
	c.Put(42, "info")
	id, ok := c.GetIDByCode("BV1xx")
	if !ok || id != 42 {
		t.Fatalf("GetIDByCode = %d, %v", id, ok)
	}
	c.InvalidateCode("BV1xx")
	if _, ok := c.GetIDByCode("BV1xx"); ok {
		t.Error("invalidated code still present")
	}
	c.PutCode("short", 7)
	clock.Advance(2 * time.Minute)
	if _, ok := c.GetIDByCode("short"); ok {
		t.Error("expired code returned")
	}
}

func TestSweepAndClear(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.Put(1, "a")
	c.PutCode("x", 1)
	clock.Advance(30 * time.Second)
	c.Put(2, "b")
	clock.Advance(45 * time.Second)
	if removed := c.Sweep(); removed != 2 {
		t.Errorf("sweep removed %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("len after sweep = %d", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Error("clear left entries behind")
	}
}

func TestHitRate(t *testing.T) {
	tests := []struct {
		name string
		s    Stats
		want float64
	}{
		{"empty", Stats{}, 0},
		{"all hits", Stats{Hits: 4}, 1},
		{"mixed", Stats{Hits: 3, Misses: 1}, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.HitRate(); got != tt.want {
				t.Errorf("HitRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](time.Minute, 50, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := int64((g*200 + i) % 80)
				c.Put(id, i)
				c.Get(id)
			}
		}(g)
	}
	wg.Wait()
	s := c.Stats()
	if s.Hits+s.Misses != 1600 {
		t.Errorf("lookups = %d, want 1600", s.Hits+s.Misses)
	}
}

func TestStartStop(t *testing.T) {
	c := New[string](time.Millisecond, 10, 5*time.Millisecond)
	c.Put(1, "a")
	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	if c.Len() != 0 {
		t.Error("background sweep did not remove expired entry")
	}
}
