package domain

import (
	"context"
	"errors"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type Service interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	CancelInvoice(ctx context.Context, invoiceID string, serviceType paymentdomain.ServiceType) error
}

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrGatewayRejected = errors.New("gateway_rejected")
)
