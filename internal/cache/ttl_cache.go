package cache

import (
	"sync"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
)

// Cache is a process-local key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	// Update atomically replaces the entry with the result of fn. fn receives
	// the live value, if any, and returns keep=false to leave the entry as is.
	Update(key K, ttl time.Duration, fn func(current V, ok bool) (next V, keep bool)) V
	Delete(key K)
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	clock      clock.Clock
	maxEntries int
}

type Option func(*options)

type options struct {
	clock      clock.Clock
	maxEntries int
}

// WithClock overrides the time source used for expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMaxEntries bounds the cache size; zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

func NewTTLCache[K comparable, V any](opts ...Option) Cache[K, V] {
	o := options{clock: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}
	return &ttlCache[K, V]{
		items:      make(map[K]entry[V]),
		clock:      o.clock,
		maxEntries: o.maxEntries,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *ttlCache[K, V]) Update(key K, ttl time.Duration, fn func(current V, ok bool) (V, bool)) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.getLocked(key)
	next, keep := fn(current, ok)
	if !keep {
		return current
	}
	c.setLocked(key, next, ttl)
	return next
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ttlCache[K, V]) getLocked(key K) (V, bool) {
	var zero V
	item, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !item.expiresAt.IsZero() && !c.clock.Now().Before(item.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	return item.value, true
}

func (c *ttlCache[K, V]) setLocked(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
}

// evictLocked drops expired entries, then the entry closest to expiry.
func (c *ttlCache[K, V]) evictLocked() {
	now := c.clock.Now()
	var (
		victim    K
		victimAt  time.Time
		hasVictim bool
	)
	for key, item := range c.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(c.items, key)
			continue
		}
		if item.expiresAt.IsZero() {
			continue
		}
		if !hasVictim || item.expiresAt.Before(victimAt) {
			victim, victimAt, hasVictim = key, item.expiresAt, true
		}
	}
	if len(c.items) < c.maxEntries {
		return
	}
	if hasVictim {
		delete(c.items, victim)
		return
	}
	for key := range c.items {
		delete(c.items, key)
		return
	}
}
