package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxUpsertAttempts = 5

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Cache      paymentdomain.StatusCache
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	cache      paymentdomain.StatusCache
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	c := p.Clock
	if c == nil {
		c = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		cache:      p.Cache,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordEvent upserts a payment fact keyed by invoice id, or by payment id when
// the invoice id is unknown, and refreshes the status cache with the stored row. Statuses never move backwards: an event
// whose status ranks below the stored one leaves the row untouched.
func (s *Service) RecordEvent(ctx context.Context, event paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	if err := normalizeEvent(&event); err != nil {
		return nil, err
	}

	var stored *paymentdomain.EventRecord
	for attempt := 0; attempt < maxUpsertAttempts && stored == nil; attempt++ {
		existing, err := s.findExisting(ctx, event)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			record := s.newRecord(event)
			inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
			if err != nil {
				if db.IsDuplicateKeyErr(err) {
					continue
				}
				return nil, err
			}
			if inserted {
				stored = &record
			}
			continue
		}

		if !event.Status.Supersedes(existing.Status) {
			s.log.Info("ignoring out-of-order payment status",
				zap.String("invoice_id", existing.InvoiceID),
				zap.String("stored_status", string(existing.Status)),
				zap.String("incoming_status", string(event.Status)),
			)
			stored = existing
			break
		}

		next := s.merge(existing, event)
		if sameContent(existing, &next) {
			stored = existing
			break
		}

		updated, err := s.repo.UpdateEvent(ctx, s.db, &next, existing.Version)
		if err != nil {
			return nil, err
		}
		if updated {
			stored = &next
		}
	}
	if stored == nil {
		return nil, paymentdomain.ErrConcurrentUpdate
	}

	if s.cache != nil {
		s.cache.Set(ctx, stored)
	}
	return stored, nil
}

// Lookup reads the latest known state for an invoice, cache first.
func (s *Service) Lookup(ctx context.Context, invoiceID string) (*paymentdomain.EventRecord, string, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, paymentdomain.SourceNone, paymentdomain.ErrInvalidInvoiceID
	}

	if s.cache != nil {
		if record, ok := s.cache.Get(ctx, invoiceID); ok {
			return record, paymentdomain.SourceCache, nil
		}
	}

	record, err := s.repo.FindByInvoiceID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, paymentdomain.SourceNone, err
	}
	if record == nil {
		return nil, paymentdomain.SourceNone, nil
	}
	if s.cache != nil {
		s.cache.Set(ctx, record)
	}
	return record, paymentdomain.SourceStore, nil
}

// ListPending returns NEW rows that have been neither changed nor checked for
// at least olderThan and are younger than maxAge. A zero maxAge means no age
// limit.
func (s *Service) ListPending(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]paymentdomain.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	createdAfter := time.Time{}
	if maxAge > 0 {
		createdAfter = now.Add(-maxAge)
	}
	return s.repo.ListPending(ctx, s.db, now.Add(-olderThan), createdAfter, limit)
}

// MarkChecked records that a NEW row was just checked against the gateway so
// the next ListPending rotates to rows checked less recently.
func (s *Service) MarkChecked(ctx context.Context, invoiceID string) error {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return paymentdomain.ErrInvalidInvoiceID
	}
	return s.repo.MarkChecked(ctx, s.db, invoiceID, s.clock.Now())
}

func (s *Service) findExisting(ctx context.Context, event paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	existing, err := s.repo.FindByInvoiceID(ctx, s.db, event.InvoiceID)
	if err != nil || existing != nil {
		return existing, err
	}
	if event.PaymentID == "" {
		return nil, nil
	}
	byPayment, err := s.repo.FindByPaymentID(ctx, s.db, event.PaymentID)
	if err != nil {
		return nil, err
	}
	// A payment id is unique at the gateway, so a redelivery under another
	// invoice id envelope updates the row that already carries it.
	if byPayment != nil && byPayment.InvoiceID != event.InvoiceID {
		s.log.Info("payment id already recorded under another invoice id",
			zap.String("payment_id", event.PaymentID),
			zap.String("invoice_id", event.InvoiceID),
			zap.String("stored_invoice_id", byPayment.InvoiceID),
		)
	}
	return byPayment, nil
}

func (s *Service) newRecord(event paymentdomain.PaymentEvent) paymentdomain.EventRecord {
	now := s.clock.Now()
	record := paymentdomain.EventRecord{
		ID:          s.genID.Generate(),
		InvoiceID:   event.InvoiceID,
		Status:      event.Status,
		Amount:      event.Amount,
		Currency:    event.Currency,
		PaidAt:      event.PaidAt,
		ServiceType: event.ServiceType,
		Payload:     payloadOrEmpty(event.RawPayload),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if event.PaymentID != "" {
		paymentID := event.PaymentID
		record.PaymentID = &paymentID
	}
	if record.Status == paymentdomain.StatusPaid && record.PaidAt == nil {
		record.PaidAt = &now
	}
	return record
}

// merge overlays non-empty event fields on the stored row.
func (s *Service) merge(stored *paymentdomain.EventRecord, event paymentdomain.PaymentEvent) paymentdomain.EventRecord {
	next := *stored
	next.Status = event.Status
	if event.PaymentID != "" {
		paymentID := event.PaymentID
		next.PaymentID = &paymentID
	}
	if !event.Amount.IsZero() {
		next.Amount = event.Amount
	}
	if event.Currency != "" {
		next.Currency = event.Currency
	}
	if event.PaidAt != nil {
		next.PaidAt = event.PaidAt
	}
	if event.ServiceType != "" {
		next.ServiceType = event.ServiceType
	}
	if len(event.RawPayload) > 0 {
		next.Payload = datatypes.JSON(event.RawPayload)
	}
	if next.Status == paymentdomain.StatusPaid && next.PaidAt == nil {
		now := s.clock.Now()
		next.PaidAt = &now
	}
	next.Version = stored.Version + 1
	next.UpdatedAt = s.clock.Now()
	return next
}

func normalizeEvent(event *paymentdomain.PaymentEvent) error {
	event.InvoiceID = strings.TrimSpace(event.InvoiceID)
	if event.InvoiceID == "" {
		return paymentdomain.ErrInvalidInvoiceID
	}
	event.PaymentID = strings.TrimSpace(event.PaymentID)
	if event.Status.Rank() < 0 {
		return paymentdomain.ErrInvalidPayload
	}
	event.Currency = strings.ToUpper(strings.TrimSpace(event.Currency))
	if event.Amount.IsNegative() {
		return paymentdomain.ErrInvalidPayload
	}
	if len(event.RawPayload) > 0 && !json.Valid(event.RawPayload) {
		return paymentdomain.ErrInvalidPayload
	}
	if event.PaidAt != nil {
		paidAt := event.PaidAt.UTC()
		event.PaidAt = &paidAt
	}
	return nil
}

func sameContent(a, b *paymentdomain.EventRecord) bool {
	return a.Status == b.Status &&
		stringPtrEqual(a.PaymentID, b.PaymentID) &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		timePtrEqual(a.PaidAt, b.PaidAt) &&
		a.ServiceType == b.ServiceType &&
		samePayload(a.Payload, b.Payload)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

// samePayload compares JSON documents ignoring key order and whitespace,
// which jsonb storage does not preserve.
func samePayload(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func canonicalJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func payloadOrEmpty(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

var _ paymentdomain.Service = (*Service)(nil)
