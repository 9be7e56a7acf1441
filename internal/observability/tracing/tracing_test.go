package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/purchases"),
		attribute.String("user_id", "u-1"),
		attribute.String("authorization", "Bearer x"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	long := strings.Repeat("x", 400)
	err := SafeError(errors.New(long))
	if len(err.Error()) != 256 {
		t.Fatalf("expected truncated message, got %d chars", len(err.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestNewProviderDisabled(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if provider == nil {
		t.Fatalf("expected provider")
	}
}
