package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var errInvalidAmount = errors.New("invalid_amount")

// parseAmount accepts a JSON number or numeric string; anything else,
// including an absent value, is rejected.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return decimal.Zero, errInvalidAmount
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, errInvalidAmount
		}
		trimmed = strings.TrimSpace(s)
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errInvalidAmount
	}
	return amount, nil
}

// firstNonEmpty returns the first non-blank value, trimmed. Handlers use it to
// prefer a request field over the X-User-ID header.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
