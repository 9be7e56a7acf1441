package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type ItemType string

const (
	ItemTypeCourse ItemType = "course"
	ItemTypeTest   ItemType = "test"
)

func ParseItemType(raw string) (ItemType, bool) {
	switch ItemType(strings.ToLower(strings.TrimSpace(raw))) {
	case ItemTypeCourse:
		return ItemTypeCourse, true
	case ItemTypeTest:
		return ItemTypeTest, true
	default:
		return "", false
	}
}

type Course struct {
	ID    string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Title string          `json:"title" gorm:"type:varchar(255);not null"`
	Price decimal.Decimal `json:"price" gorm:"type:numeric(20,2);not null;default:0"`
}

func (Course) TableName() string { return "courses" }

type Test struct {
	ID    string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Title string          `json:"title" gorm:"type:varchar(255);not null"`
	Price decimal.Decimal `json:"price" gorm:"type:numeric(20,2);not null;default:0"`
}

func (Test) TableName() string { return "tests" }

// Item is a purchasable course or test.
type Item struct {
	Type  ItemType
	ID    string
	Title string
	Price decimal.Decimal
}

func (i Item) Free() bool {
	return !i.Price.IsPositive()
}

const (
	CodeStatusUnused   = "unused"
	CodeStatusAssigned = "assigned"
)

// TestCode is one redemption code from a test's finite pool. Once assigned
// it belongs to that user for good.
type TestCode struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	TestID     string       `json:"test_id" gorm:"type:varchar(64);not null;index:ix_test_codes_test_status"`
	Code       string       `json:"code" gorm:"type:varchar(128);not null;uniqueIndex"`
	Status     string       `json:"status" gorm:"type:varchar(16);not null;default:'unused';index:ix_test_codes_test_status"`
	UserID     *string      `json:"user_id,omitempty" gorm:"type:varchar(64)"`
	AssignedAt *time.Time   `json:"assigned_at,omitempty"`
}

func (TestCode) TableName() string { return "test_codes" }

// Entitlement records that a user owns an item. A user holds an item at most
// once and a paid invoice backs at most one entitlement.
type Entitlement struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	UserID    string          `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_entitlements_user_item"`
	ItemType  ItemType        `json:"item_type" gorm:"type:varchar(16);not null;uniqueIndex:ux_entitlements_user_item"`
	ItemID    string          `json:"item_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_entitlements_user_item"`
	InvoiceID *string         `json:"invoice_id,omitempty" gorm:"type:varchar(128);uniqueIndex"`
	Code      *string         `json:"code,omitempty" gorm:"type:varchar(128)"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null;default:0"`
	GrantedAt time.Time       `json:"granted_at" gorm:"not null;index"`
}

func (Entitlement) TableName() string { return "entitlements" }

type Outcome string

const (
	OutcomeGranted             Outcome = "granted"
	OutcomeAlreadyGranted      Outcome = "already_granted"
	OutcomePaymentNotConfirmed Outcome = "payment_not_confirmed"
)

type FulfillRequest struct {
	UserID    string   `json:"user_id"`
	ItemID    string   `json:"item_id"`
	ItemType  ItemType `json:"item_type"`
	InvoiceID string   `json:"invoice_id"`
}

type Result struct {
	Outcome   Outcome  `json:"outcome"`
	ItemType  ItemType `json:"item_type"`
	ItemID    string   `json:"item_id"`
	InvoiceID string   `json:"invoice_id,omitempty"`
	Code      string   `json:"code,omitempty"`
}

type Access struct {
	HasAccess bool       `json:"has_access"`
	Code      string     `json:"code,omitempty"`
	GrantedAt *time.Time `json:"granted_at,omitempty"`
}

type Purchase struct {
	ItemType  ItemType        `json:"item_type"`
	ItemID    string          `json:"item_id"`
	InvoiceID string          `json:"invoice_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	GrantedAt time.Time       `json:"granted_at"`
}

func (e Entitlement) Purchase() Purchase {
	p := Purchase{
		ItemType:  e.ItemType,
		ItemID:    e.ItemID,
		Amount:    e.Amount,
		GrantedAt: e.GrantedAt,
	}
	if e.InvoiceID != nil {
		p.InvoiceID = *e.InvoiceID
	}
	if e.Code != nil {
		p.Code = *e.Code
	}
	return p
}
