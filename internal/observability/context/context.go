package context

import (
	stdcontext "context"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
	invoiceIDKey contextKey = "invoice_id"
)

// WithRequestID stores the inbound request identifier.
func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier or an empty string.
func RequestIDFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, requestIDKey)
}

// WithUserID stores the buyer identifier for log correlation.
func WithUserID(ctx stdcontext.Context, userID string) stdcontext.Context {
	return withValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, userIDKey)
}

// WithInvoiceID stores the gateway invoice identifier being processed.
func WithInvoiceID(ctx stdcontext.Context, invoiceID string) stdcontext.Context {
	return withValue(ctx, invoiceIDKey, invoiceID)
}

func InvoiceIDFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, invoiceIDKey)
}

func withValue(ctx stdcontext.Context, key contextKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func valueFrom(ctx stdcontext.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
