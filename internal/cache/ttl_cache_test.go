package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](WithClock(fake))

	c.Set("a", 1, time.Minute)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	fake.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry removed, len=%d", c.Len())
	}
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	c := NewTTLCache[string, string](WithClock(fake))
	c.Set("k", "v", 0)
	fake.Advance(24 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected zero ttl entry to persist")
	}
}

func TestTTLCacheUpdateKeepsHigher(t *testing.T) {
	c := NewTTLCache[string, int]()
	keepHigher := func(next int) func(int, bool) (int, bool) {
		return func(current int, ok bool) (int, bool) {
			if ok && current >= next {
				return current, false
			}
			return next, true
		}
	}

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			c.Update("k", time.Minute, keepHigher(v))
		}(i)
	}
	wg.Wait()

	if v, _ := c.Get("k"); v != 50 {
		t.Fatalf("expected highest value to win, got %d", v)
	}
	if got := c.Update("k", time.Minute, keepHigher(3)); got != 50 {
		t.Fatalf("expected stale update to be rejected, got %d", got)
	}
}

func TestTTLCacheEvictsSoonestExpiry(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	c := NewTTLCache[string, int](WithClock(fake), WithMaxEntries(2))

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)
	c.Set("new", 3, time.Minute)

	if _, ok := c.Get("short"); ok {
		t.Fatalf("expected soonest-expiring entry evicted")
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatalf("expected long entry kept")
	}
	if c.Len() != 2 {
		t.Fatalf("expected bounded size 2, got %d", c.Len())
	}
}
