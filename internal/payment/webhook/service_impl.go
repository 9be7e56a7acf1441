package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const objectTypeInvoice = "INVOICE"

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	paymentSvc paymentdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		obsMetrics: p.ObsMetrics,
	}
}

type callbackPayload struct {
	PaymentID       string          `json:"payment_id"`
	PaymentStatus   string          `json:"payment_status"`
	PaymentAmount   json.RawMessage `json:"payment_amount"`
	Amount          json.RawMessage `json:"amount"`
	PaymentCurrency string          `json:"payment_currency"`
	PaymentDate     string          `json:"payment_date"`
	ObjectType      string          `json:"object_type"`
	ObjectID        string          `json:"object_id"`
	ServiceType     string          `json:"service_type"`
}

// Ingest validates a gateway callback and records it. Invalid payloads are
// rejected with ErrInvalidPayload before anything is written.
func (s *Service) Ingest(ctx context.Context, serviceType paymentdomain.ServiceType, payload []byte) error {
	event, err := parseCallback(serviceType, payload)
	if err != nil {
		s.obsMetrics.RecordCallback(ctx, "", "invalid")
		logger.WithContext(ctx, s.log).Debug("rejected payment callback", zap.Error(err))
		return err
	}

	ctx = obscontext.WithInvoiceID(ctx, event.InvoiceID)
	log := logger.WithContext(ctx, s.log)

	record, err := s.paymentSvc.RecordEvent(ctx, event)
	if err != nil {
		s.obsMetrics.RecordCallback(ctx, string(event.Status), "error")
		log.Error("failed to record payment callback",
			zap.String("payment_status", string(event.Status)),
			zap.Error(err),
		)
		return err
	}

	result := "applied"
	if record.Status != event.Status {
		result = "ignored"
	}
	s.obsMetrics.RecordCallback(ctx, string(event.Status), result)
	log.Info("payment callback recorded",
		zap.String("payment_status", string(event.Status)),
		zap.String("stored_status", string(record.Status)),
		zap.Int64("version", record.Version),
	)
	return nil
}

func parseCallback(serviceType paymentdomain.ServiceType, payload []byte) (paymentdomain.PaymentEvent, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrInvalidPayload
	}

	var body callbackPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrInvalidPayload
	}

	paymentID := strings.TrimSpace(body.PaymentID)
	invoiceID := strings.TrimSpace(body.ObjectID)
	if paymentID == "" || invoiceID == "" {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrInvalidPayload
	}
	if objectType := strings.TrimSpace(body.ObjectType); objectType != "" && !strings.EqualFold(objectType, objectTypeInvoice) {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrInvalidPayload
	}
	status, ok := paymentdomain.ParseStatus(body.PaymentStatus)
	if !ok {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrInvalidPayload
	}

	rawAmount := body.PaymentAmount
	if len(rawAmount) == 0 {
		rawAmount = body.Amount
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil || amount.IsNegative() {
		return paymentdomain.PaymentEvent{}, paymentdomain.ErrInvalidPayload
	}

	if serviceType == "" {
		serviceType = paymentdomain.ParseServiceType(body.ServiceType)
	}

	return paymentdomain.PaymentEvent{
		InvoiceID:   invoiceID,
		PaymentID:   paymentID,
		Status:      status,
		Amount:      amount,
		Currency:    body.PaymentCurrency,
		PaidAt:      paymentdomain.ParsePaymentDate(body.PaymentDate),
		ServiceType: serviceType,
		RawPayload:  payload,
	}, nil
}

var errAmount = errors.New("invalid amount")

// ParseAmount accepts a JSON number, a numeric string, null or nothing.
func ParseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return decimal.Zero, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, errAmount
		}
		trimmed = strings.TrimSpace(s)
		if trimmed == "" {
			return decimal.Zero, nil
		}
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errAmount
	}
	return amount, nil
}

var _ paymentdomain.Ingestor = (*Service)(nil)
