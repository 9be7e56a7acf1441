package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"go.uber.org/zap"
)

const keyPaymentStatus = "coursepay:payment_status:"

// Replaces the cached record only when the incoming version is not older.
const statusSetScript = `
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "data", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`

type redisStatusCache struct {
	client      redis.UniversalClient
	script      *redis.Script
	pendingTTL  time.Duration
	terminalTTL time.Duration
	log         *zap.Logger
	metrics     *obsmetrics.Metrics
}

// NewRedisStatusCache returns a status cache shared by all instances.
// Redis failures degrade to cache misses.
func NewRedisStatusCache(client redis.UniversalClient, cfg StatusCacheConfig, log *zap.Logger) paymentdomain.StatusCache {
	if log == nil {
		log = zap.NewNop()
	}
	pending, terminal := ttls(cfg)
	return &redisStatusCache{
		client:      client,
		script:      redis.NewScript(statusSetScript),
		pendingTTL:  pending,
		terminalTTL: terminal,
		log:         log.Named("payment.status_cache"),
		metrics:     cfg.Metrics,
	}
}

func (c *redisStatusCache) Get(ctx context.Context, invoiceID string) (*paymentdomain.EventRecord, bool) {
	raw, err := c.client.HGet(ctx, redisKey(invoiceID), "data").Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("status cache read failed", zap.String("invoice_id", invoiceID), zap.Error(err))
		}
		c.metrics.RecordCacheLookup(ctx, "redis", false)
		return nil, false
	}
	record, err := decodeRecord(raw)
	if err != nil {
		c.log.Warn("status cache entry undecodable", zap.String("invoice_id", invoiceID), zap.Error(err))
		c.metrics.RecordCacheLookup(ctx, "redis", false)
		return nil, false
	}
	c.metrics.RecordCacheLookup(ctx, "redis", true)
	return record, true
}

func (c *redisStatusCache) Set(ctx context.Context, record *paymentdomain.EventRecord) {
	if record == nil || strings.TrimSpace(record.InvoiceID) == "" {
		return
	}
	data, err := encodeRecord(record)
	if err != nil {
		c.log.Warn("status cache encode failed", zap.String("invoice_id", record.InvoiceID), zap.Error(err))
		return
	}
	ttl := c.pendingTTL
	if record.Status.IsTerminal() {
		ttl = c.terminalTTL
	}
	err = c.script.Run(ctx, c.client, []string{redisKey(record.InvoiceID)},
		record.Version,
		data,
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		// The store already holds the row; drop the possibly stale entry.
		c.log.Warn("status cache write failed", zap.String("invoice_id", record.InvoiceID), zap.Error(err))
		c.Delete(ctx, record.InvoiceID)
	}
}

func (c *redisStatusCache) Delete(ctx context.Context, invoiceID string) {
	if err := c.client.Del(ctx, redisKey(invoiceID)).Err(); err != nil {
		c.log.Warn("status cache delete failed", zap.String("invoice_id", invoiceID), zap.Error(err))
	}
}

func redisKey(invoiceID string) string {
	return keyPaymentStatus + cacheKey(invoiceID)
}

// cachedRecord carries the fields needed to answer status queries. The raw
// gateway payload stays in the store.
type cachedRecord struct {
	ID          int64      `json:"id"`
	InvoiceID   string     `json:"invoice_id"`
	PaymentID   *string    `json:"payment_id,omitempty"`
	Status      string     `json:"status"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ServiceType string     `json:"service_type,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func encodeRecord(record *paymentdomain.EventRecord) ([]byte, error) {
	return json.Marshal(cachedRecord{
		ID:          int64(record.ID),
		InvoiceID:   record.InvoiceID,
		PaymentID:   record.PaymentID,
		Status:      string(record.Status),
		Amount:      record.Amount.String(),
		Currency:    record.Currency,
		PaidAt:      record.PaidAt,
		ServiceType: string(record.ServiceType),
		Version:     record.Version,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	})
}

func decodeRecord(raw []byte) (*paymentdomain.EventRecord, error) {
	var cached cachedRecord
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	status, ok := paymentdomain.ParseStatus(cached.Status)
	if !ok {
		return nil, errors.New("unknown cached status")
	}
	amount, err := parseAmount(cached.Amount)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.EventRecord{
		ID:          snowflake.ID(cached.ID),
		InvoiceID:   cached.InvoiceID,
		PaymentID:   cached.PaymentID,
		Status:      status,
		Amount:      amount,
		Currency:    cached.Currency,
		PaidAt:      cached.PaidAt,
		ServiceType: paymentdomain.ServiceType(cached.ServiceType),
		Version:     cached.Version,
		CreatedAt:   cached.CreatedAt,
		UpdatedAt:   cached.UpdatedAt,
	}, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
