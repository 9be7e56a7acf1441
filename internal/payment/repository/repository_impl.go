package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const eventColumns = `id, invoice_id, payment_id, status, amount, currency, paid_at,
			service_type, payload, checked_at, version, created_at, updated_at`

func (r *repo) FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID string) (*domain.EventRecord, error) {
	return r.findOne(ctx, db, `SELECT `+eventColumns+`
		 FROM payment_events
		 WHERE invoice_id = ?
		 LIMIT 1`, invoiceID)
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.EventRecord, error) {
	return r.findOne(ctx, db, `SELECT `+eventColumns+`
		 FROM payment_events
		 WHERE payment_id = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`, paymentID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// InsertEvent inserts record unless a row with the same invoice id exists.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET payment_id = ?, status = ?, amount = ?, currency = ?, paid_at = ?,
			service_type = ?, payload = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		record.PaymentID,
		record.Status,
		record.Amount,
		record.Currency,
		record.PaidAt,
		record.ServiceType,
		record.Payload,
		record.Version,
		record.UpdatedAt,
		record.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, staleBefore, createdAfter time.Time, limit int) ([]domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND created_at > ?", domain.StatusNew, staleBefore, createdAfter).
		Where("checked_at IS NULL OR checked_at < ?", staleBefore).
		Order("COALESCE(checked_at, updated_at) ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkChecked leaves version and updated_at alone; a check is not a change.
func (r *repo) MarkChecked(ctx context.Context, db *gorm.DB, invoiceID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET checked_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		at,
		invoiceID,
		domain.StatusNew,
	).Error
}
