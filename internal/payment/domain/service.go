package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID string) (*EventRecord, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	// UpdateEvent writes record only if the stored version still equals
	// expectedVersion.
	UpdateEvent(ctx context.Context, db *gorm.DB, record *EventRecord, expectedVersion int64) (bool, error)
	// ListPending returns NEW rows last changed and last checked before
	// staleBefore and created after createdAfter, least recently checked first.
	ListPending(ctx context.Context, db *gorm.DB, staleBefore, createdAfter time.Time, limit int) ([]EventRecord, error)
	// MarkChecked stamps a NEW row with the time of its last gateway check.
	MarkChecked(ctx context.Context, db *gorm.DB, invoiceID string, at time.Time) error
}

// StatusCache is a volatile projection of the store keyed by invoice id.
type StatusCache interface {
	Get(ctx context.Context, invoiceID string) (*EventRecord, bool)
	// Set keeps whichever of the cached and given record has the higher version.
	Set(ctx context.Context, record *EventRecord)
	Delete(ctx context.Context, invoiceID string)
}

// Service is the payment record store: it upserts payment facts and serves
// lookups through the status cache.
type Service interface {
	RecordEvent(ctx context.Context, event PaymentEvent) (*EventRecord, error)
	Lookup(ctx context.Context, invoiceID string) (*EventRecord, string, error)
	ListPending(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]EventRecord, error)
	MarkChecked(ctx context.Context, invoiceID string) error
}

// Ingestor accepts raw gateway callbacks.
type Ingestor interface {
	Ingest(ctx context.Context, serviceType ServiceType, payload []byte) error
}

// Resolver answers payment status queries. It never fails because of the
// gateway; only invalid input is reported as an error.
type Resolver interface {
	Resolve(ctx context.Context, invoiceID string) (Resolution, error)
}
