package domain

import (
	"github.com/shopspring/decimal"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type CreateInvoiceRequest struct {
	Amount       decimal.Decimal           `json:"amount"`
	Description  string                    `json:"description"`
	ReceiverCode string                    `json:"receiver_code"`
	ServiceType  paymentdomain.ServiceType `json:"service_type"`
}

// Invoice is what the client needs to pay. Free invoices carry no gateway
// reference and need no payment.
type Invoice struct {
	Free         bool            `json:"free"`
	InvoiceID    string          `json:"invoice_id,omitempty"`
	QRText       string          `json:"qr_text,omitempty"`
	QRImage      string          `json:"qr_image,omitempty"`
	DeepLink     string          `json:"deeplink,omitempty"`
	WebURL       string          `json:"web_url,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	ReceiverCode string          `json:"receiver_code,omitempty"`
}
