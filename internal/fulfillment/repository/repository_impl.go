package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/coursepay/internal/fulfillment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindCourse(ctx context.Context, db *gorm.DB, id string) (*domain.Course, error) {
	var item domain.Course
	err := db.WithContext(ctx).Raw(
		`SELECT id, title, price FROM courses WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindTest(ctx context.Context, db *gorm.DB, id string) (*domain.Test, error) {
	var item domain.Test
	err := db.WithContext(ctx).Raw(
		`SELECT id, title, price FROM tests WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindEntitlement(ctx context.Context, db *gorm.DB, userID string, itemType domain.ItemType, itemID string) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, item_type, item_id, invoice_id, code, amount, granted_at
		 FROM entitlements
		 WHERE user_id = ? AND item_type = ? AND item_id = ?
		 LIMIT 1`,
		userID, itemType, itemID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEntitlement(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entitlement)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetEntitlementCode(ctx context.Context, db *gorm.DB, id int64, code string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements SET code = ? WHERE id = ?`,
		code, id,
	).Error
}

func (r *repo) ListEntitlements(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("granted_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnusedCodes(ctx context.Context, db *gorm.DB, testID string, limit int) ([]domain.TestCode, error) {
	var items []domain.TestCode
	err := db.WithContext(ctx).Raw(
		`SELECT id, test_id, code, status
		 FROM test_codes
		 WHERE test_id = ? AND status = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		testID, domain.CodeStatusUnused, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimCode(ctx context.Context, db *gorm.DB, id int64, userID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE test_codes
		 SET status = ?, user_id = ?, assigned_at = ?
		 WHERE id = ? AND status = ?`,
		domain.CodeStatusAssigned, userID, at, id, domain.CodeStatusUnused,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
