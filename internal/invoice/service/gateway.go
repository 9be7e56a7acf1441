package service

import (
	"context"

	"github.com/smallbiznis/coursepay/internal/gateway/qpay"
)

// Issuer creates and voids invoices under one merchant profile.
type Issuer interface {
	Profile() string
	CreateInvoice(ctx context.Context, req qpay.InvoiceRequest) (*qpay.Invoice, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
}

// Gateway selects the issuer for a service type.
type Gateway interface {
	Issuer(serviceType string) (Issuer, error)
}

type registryGateway struct {
	registry *qpay.Registry
}

func NewRegistryGateway(registry *qpay.Registry) Gateway {
	return registryGateway{registry: registry}
}

func (g registryGateway) Issuer(serviceType string) (Issuer, error) {
	client, err := g.registry.Client(serviceType)
	if err != nil {
		return nil, err
	}
	return client, nil
}
