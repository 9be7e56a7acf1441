package cache

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	defaultPendingTTL  = 30 * time.Second
	defaultTerminalTTL = 10 * time.Minute
)

// StatusCacheConfig bounds how long an entry may be served without going
// back to the store.
type StatusCacheConfig struct {
	PendingTTL  time.Duration
	TerminalTTL time.Duration
	MaxEntries  int
	Clock       clock.Clock
	Metrics     *obsmetrics.Metrics
}

type statusCache struct {
	entries     Cache[string, paymentdomain.EventRecord]
	pendingTTL  time.Duration
	terminalTTL time.Duration
	metrics     *obsmetrics.Metrics
}

// NewStatusCache returns an in-memory payment status cache.
func NewStatusCache(cfg StatusCacheConfig) paymentdomain.StatusCache {
	opts := []Option{WithMaxEntries(cfg.MaxEntries)}
	if cfg.Clock != nil {
		opts = append(opts, WithClock(cfg.Clock))
	}
	pending, terminal := ttls(cfg)
	return &statusCache{
		entries:     NewTTLCache[string, paymentdomain.EventRecord](opts...),
		pendingTTL:  pending,
		terminalTTL: terminal,
		metrics:     cfg.Metrics,
	}
}

func (c *statusCache) Get(ctx context.Context, invoiceID string) (*paymentdomain.EventRecord, bool) {
	record, ok := c.entries.Get(cacheKey(invoiceID))
	c.metrics.RecordCacheLookup(ctx, "memory", ok)
	if !ok {
		return nil, false
	}
	return &record, true
}

func (c *statusCache) Set(ctx context.Context, record *paymentdomain.EventRecord) {
	if record == nil || strings.TrimSpace(record.InvoiceID) == "" {
		return
	}
	incoming := *record
	c.entries.Update(cacheKey(record.InvoiceID), c.ttlFor(incoming.Status), func(current paymentdomain.EventRecord, ok bool) (paymentdomain.EventRecord, bool) {
		if ok && current.Version > incoming.Version {
			return current, false
		}
		return incoming, true
	})
}

func (c *statusCache) Delete(ctx context.Context, invoiceID string) {
	c.entries.Delete(cacheKey(invoiceID))
}

func (c *statusCache) ttlFor(status paymentdomain.Status) time.Duration {
	if status.IsTerminal() {
		return c.terminalTTL
	}
	return c.pendingTTL
}

func ttls(cfg StatusCacheConfig) (time.Duration, time.Duration) {
	pending := cfg.PendingTTL
	if pending <= 0 {
		pending = defaultPendingTTL
	}
	terminal := cfg.TerminalTTL
	if terminal <= 0 {
		terminal = defaultTerminalTTL
	}
	return pending, terminal
}

func cacheKey(invoiceID string) string {
	return strings.TrimSpace(invoiceID)
}
