package qpay

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnavailable   = errors.New("qpay_unavailable")
	ErrRejected      = errors.New("qpay_rejected")
	ErrUnauthorized  = errors.New("qpay_unauthorized")
	ErrNotConfigured = errors.New("qpay_profile_not_configured")
)

// Error describes a failed gateway call. Kind is one of the sentinel errors
// above so callers can branch with errors.Is.
type Error struct {
	Op         string
	Profile    string
	StatusCode int
	Code       string
	Message    string
	Kind       error
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("qpay %s (%s): %v", e.Op, e.Profile, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += " message=" + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

// resultLabel maps an error to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
