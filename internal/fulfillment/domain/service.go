package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindCourse(ctx context.Context, db *gorm.DB, id string) (*Course, error)
	FindTest(ctx context.Context, db *gorm.DB, id string) (*Test, error)
	FindEntitlement(ctx context.Context, db *gorm.DB, userID string, itemType ItemType, itemID string) (*Entitlement, error)
	// InsertEntitlement reports false when a unique key already holds a row.
	InsertEntitlement(ctx context.Context, db *gorm.DB, entitlement *Entitlement) (bool, error)
	SetEntitlementCode(ctx context.Context, db *gorm.DB, id int64, code string) error
	ListEntitlements(ctx context.Context, db *gorm.DB, userID string, limit int) ([]Entitlement, error)
	ListUnusedCodes(ctx context.Context, db *gorm.DB, testID string, limit int) ([]TestCode, error)
	// ClaimCode assigns the code only if it is still unused.
	ClaimCode(ctx context.Context, db *gorm.DB, id int64, userID string, at time.Time) (bool, error)
}

type Service interface {
	Fulfill(ctx context.Context, req FulfillRequest) (Result, error)
	VerifyAccess(ctx context.Context, userID string, itemType ItemType, itemID string) (Access, error)
	ListPurchases(ctx context.Context, userID string) ([]Purchase, error)
}

var (
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrNotFound         = errors.New("not_found")
	ErrNoCodesAvailable = errors.New("no_codes_available")
	ErrInvoiceConsumed  = errors.New("invoice_consumed")
)
