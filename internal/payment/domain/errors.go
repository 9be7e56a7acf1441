package domain

import "errors"

var (
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")
	ErrConcurrentUpdate   = errors.New("concurrent_update")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)
