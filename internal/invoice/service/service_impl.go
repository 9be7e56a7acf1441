package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/gateway/qpay"
	invoicedomain "github.com/smallbiznis/coursepay/internal/invoice/domain"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const defaultDescription = "Purchase"

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Gateway    Gateway
	Receivers  *config.ReceiverConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	gateway    Gateway
	receivers  *config.ReceiverConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		log:        p.Log.Named("invoice.service"),
		gateway:    p.Gateway,
		receivers:  p.Receivers,
		obsMetrics: p.ObsMetrics,
	}
}

// CreateInvoice issues a gateway invoice, walking the receiver fallback list
// until one receiver accepts it. Zero amounts are free and skip the gateway.
func (s *Service) CreateInvoice(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	if req.Amount.IsNegative() {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidRequest
	}
	if req.Amount.IsZero() {
		return invoicedomain.Invoice{Free: true, Amount: req.Amount}, nil
	}

	receiver := strings.TrimSpace(req.ReceiverCode)
	if receiver == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidRequest
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = defaultDescription
	}

	serviceType := string(req.ServiceType)
	log := logger.WithContext(ctx, s.log).With(zap.String("service_type", serviceType))

	issuer, err := s.gateway.Issuer(serviceType)
	if err != nil {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: %w", invoicedomain.ErrGatewayRejected, err)
	}

	var lastErr error
	for i, candidate := range s.candidates(receiver) {
		created, err := issuer.CreateInvoice(ctx, qpay.InvoiceRequest{
			SenderInvoiceNo:     ulid.Make().String(),
			InvoiceReceiverCode: candidate,
			InvoiceDescription:  description,
			Amount:              qpay.NewAmount(req.Amount),
		})
		fallback := i > 0
		if err != nil {
			s.obsMetrics.RecordInvoiceAttempt(ctx, serviceType, "error", fallback)
			log.Warn("invoice creation failed",
				zap.String("receiver_code", candidate),
				zap.String("profile", issuer.Profile()),
				zap.Error(err),
			)
			lastErr = err
			if ctx.Err() != nil || !tryNextReceiver(err) {
				break
			}
			continue
		}

		s.obsMetrics.RecordInvoiceAttempt(ctx, serviceType, "ok", fallback)
		log.Info("invoice created",
			zap.String("invoice_id", created.InvoiceID),
			zap.String("receiver_code", candidate),
			zap.Bool("fallback", fallback),
		)
		return invoicedomain.Invoice{
			InvoiceID:    created.InvoiceID,
			QRText:       created.QRText,
			QRImage:      created.QRImage,
			DeepLink:     created.DeepLink(),
			WebURL:       created.WebURL(),
			Amount:       req.Amount,
			ReceiverCode: candidate,
		}, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return invoicedomain.Invoice{}, fmt.Errorf("%w: %w", invoicedomain.ErrGatewayRejected, lastErr)
}

// tryNextReceiver reports whether another receiver code may succeed where
// this one failed. Credential and configuration errors fail every receiver.
func tryNextReceiver(err error) bool {
	return errors.Is(err, qpay.ErrRejected) || errors.Is(err, qpay.ErrUnavailable)
}

// CancelInvoice voids an unpaid invoice under the profile that issued it.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID string, serviceType paymentdomain.ServiceType) error {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return invoicedomain.ErrInvalidRequest
	}
	issuer, err := s.gateway.Issuer(string(serviceType))
	if err != nil {
		return fmt.Errorf("%w: %w", invoicedomain.ErrGatewayRejected, err)
	}
	if err := issuer.CancelInvoice(ctx, invoiceID); err != nil {
		logger.WithContext(ctx, s.log).Warn("invoice cancel failed", zap.String("invoice_id", invoiceID), zap.Error(err))
		return fmt.Errorf("%w: %w", invoicedomain.ErrGatewayRejected, err)
	}
	return nil
}

// candidates lists the requested receiver then the configured fallbacks,
// without repeats.
func (s *Service) candidates(receiver string) []string {
	fallbacks := s.receivers.Get().Fallbacks
	out := make([]string, 0, len(fallbacks)+1)
	seen := make(map[string]struct{}, len(fallbacks)+1)
	for _, code := range append([]string{receiver}, fallbacks...) {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
