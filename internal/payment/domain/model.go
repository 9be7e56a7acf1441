package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EventRecord is the durable, per-invoice payment state.
type EventRecord struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID   string          `json:"invoice_id" gorm:"type:varchar(128);not null;uniqueIndex"`
	PaymentID   *string         `json:"payment_id,omitempty" gorm:"type:varchar(128);index"`
	Status      Status          `json:"status" gorm:"type:varchar(16);not null;index"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null;default:0"`
	Currency    string          `json:"currency" gorm:"type:varchar(8)"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	ServiceType ServiceType     `json:"service_type" gorm:"type:varchar(16)"`
	Payload     datatypes.JSON  `json:"-"`
	CheckedAt   *time.Time      `json:"checked_at,omitempty"`
	Version     int64           `json:"version" gorm:"not null;default:1"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null;index"`
	UpdatedAt   time.Time       `json:"updated_at" gorm:"not null"`
}

func (EventRecord) TableName() string { return "payment_events" }

// Status is the gateway-reported payment state.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusFailed   Status = "FAILED"
	StatusPaid     Status = "PAID"
	StatusRefunded Status = "REFUNDED"
)

// ParseStatus normalizes a gateway status string.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusNew:
		return StatusNew, true
	case StatusFailed:
		return StatusFailed, true
	case StatusPaid:
		return StatusPaid, true
	case StatusRefunded:
		return StatusRefunded, true
	default:
		return "", false
	}
}

// Rank orders statuses so that later lifecycle states win over earlier ones:
// NEW < FAILED < PAID < REFUNDED.
func (s Status) Rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusFailed:
		return 1
	case StatusPaid:
		return 2
	case StatusRefunded:
		return 3
	default:
		return -1
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusRefunded
}

// Supersedes reports whether an incoming status may overwrite s.
func (s Status) Supersedes(stored Status) bool {
	return s.Rank() >= stored.Rank()
}

// ServiceType identifies which product line, and gateway profile, an invoice
// belongs to.
type ServiceType string

const (
	ServiceTypeCourse ServiceType = "course"
	ServiceTypeTest   ServiceType = "test"
)

func ParseServiceType(raw string) ServiceType {
	switch ServiceType(strings.ToLower(strings.TrimSpace(raw))) {
	case ServiceTypeCourse:
		return ServiceTypeCourse
	case ServiceTypeTest:
		return ServiceTypeTest
	default:
		return ""
	}
}

// PaymentEvent is the canonical payment fact parsed from a callback or a
// gateway payment check.
type PaymentEvent struct {
	InvoiceID   string
	PaymentID   string
	Status      Status
	Amount      decimal.Decimal
	Currency    string
	PaidAt      *time.Time
	ServiceType ServiceType
	RawPayload  []byte
}

// PaymentRow is the client-facing view of a stored payment.
type PaymentRow struct {
	PaymentID     string          `json:"payment_id"`
	PaymentStatus Status          `json:"payment_status"`
	PaymentAmount decimal.Decimal `json:"payment_amount"`
	Currency      string          `json:"payment_currency,omitempty"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`
	ObjectType    string          `json:"object_type"`
	ObjectID      string          `json:"object_id"`
}

// Resolution answers "has this invoice been paid?". Count is 1 only when a
// terminal status is known.
type Resolution struct {
	Count  int          `json:"count"`
	Rows   []PaymentRow `json:"rows"`
	Source string       `json:"-"`
}

const (
	SourceCache   = "cache"
	SourceStore   = "store"
	SourceGateway = "gateway"
	SourceNone    = "none"
)

// Paid returns the PAID row, if any.
func (r Resolution) Paid() (PaymentRow, bool) {
	for _, row := range r.Rows {
		if row.PaymentStatus == StatusPaid {
			return row, true
		}
	}
	return PaymentRow{}, false
}

// Row converts a stored record into its client-facing view.
func (r EventRecord) Row() PaymentRow {
	row := PaymentRow{
		PaymentStatus: r.Status,
		PaymentAmount: r.Amount,
		Currency:      r.Currency,
		PaymentDate:   r.PaidAt,
		ObjectType:    "INVOICE",
		ObjectID:      r.InvoiceID,
	}
	if r.PaymentID != nil {
		row.PaymentID = *r.PaymentID
	}
	return row
}
