package qpay

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a decimal that marshals as a bare JSON number and tolerates the
// gateway's mix of numeric, string, empty and null amounts.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		a.Decimal = decimal.Zero
		return nil
	}
	raw := strings.TrimSpace(strings.Trim(string(trimmed), `"`))
	if raw == "" {
		a.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	a.Decimal = parsed
	return nil
}

type tokenResponse struct {
	TokenType        string `json:"token_type"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// InvoiceRequest is the body of POST /invoice. InvoiceCode and CallbackURL
// default to the client's profile when empty.
type InvoiceRequest struct {
	InvoiceCode         string        `json:"invoice_code"`
	SenderInvoiceNo     string        `json:"sender_invoice_no"`
	InvoiceReceiverCode string        `json:"invoice_receiver_code"`
	InvoiceDescription  string        `json:"invoice_description"`
	Amount              Amount        `json:"amount"`
	CallbackURL         string        `json:"callback_url"`
	Lines               []InvoiceLine `json:"lines,omitempty"`
}

type InvoiceLine struct {
	LineDescription string `json:"line_description"`
	LineQuantity    string `json:"line_quantity"`
	LineUnitPrice   Amount `json:"line_unit_price"`
}

type DeepLink struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Logo        string `json:"logo,omitempty"`
	Link        string `json:"link"`
}

// Invoice is the gateway's answer to invoice creation.
type Invoice struct {
	InvoiceID string  `json:"invoice_id"`
	QRText    string  `json:"qr_text"`
	QRImage   string  `json:"qr_image"`
	ShortURL  string  `json:"qPay_shortUrl"`
	URLs      urlList `json:"urls"`
}

// WebURL returns the browser payment link.
func (i Invoice) WebURL() string {
	if i.URLs.web != "" {
		return i.URLs.web
	}
	return i.ShortURL
}

// DeepLink returns the first app deeplink offered for the invoice.
func (i Invoice) DeepLink() string {
	if i.URLs.deeplink != "" {
		return i.URLs.deeplink
	}
	for _, link := range i.URLs.links {
		if link.Link != "" {
			return link.Link
		}
	}
	return ""
}

// urlList accepts both the bank deeplink array and the {web, deeplink}
// object some merchant accounts receive.
type urlList struct {
	links    []DeepLink
	web      string
	deeplink string
}

func (u *urlList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &u.links)
	}
	var obj struct {
		Web      string `json:"web"`
		Deeplink string `json:"deeplink"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	u.web, u.deeplink = obj.Web, obj.Deeplink
	return nil
}

func (u urlList) MarshalJSON() ([]byte, error) {
	if u.links != nil {
		return json.Marshal(u.links)
	}
	return json.Marshal(map[string]string{"web": u.web, "deeplink": u.deeplink})
}

type paymentCheckRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Offset     offset `json:"offset"`
}

type offset struct {
	PageNumber int `json:"page_number"`
	PageLimit  int `json:"page_limit"`
}

// PaymentCheck is the answer to POST /payment/check.
type PaymentCheck struct {
	Count      int       `json:"count"`
	PaidAmount Amount    `json:"paid_amount"`
	Rows       []Payment `json:"rows"`
}

type Payment struct {
	PaymentID       string `json:"payment_id"`
	PaymentStatus   string `json:"payment_status"`
	PaymentDate     string `json:"payment_date"`
	PaymentFee      Amount `json:"payment_fee"`
	PaymentAmount   Amount `json:"payment_amount"`
	PaymentCurrency string `json:"payment_currency"`
	PaymentWallet   string `json:"payment_wallet"`
	PaymentType     string `json:"payment_type"`
	ObjectType      string `json:"object_type"`
	ObjectID        string `json:"object_id"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
