package context

import (
	stdcontext "context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(stdcontext.Background(), " req-1 ")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	ctx := WithInvoiceID(stdcontext.Background(), "  ")
	if got := InvoiceIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty invoice id, got %q", got)
	}
	if got := UserIDFromContext(nil); got != "" {
		t.Fatalf("expected empty user id from nil context, got %q", got)
	}
}
