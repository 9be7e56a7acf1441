package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/gateway/qpay"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const defaultCheckTimeout = 8 * time.Second

// Gateway queries the payment gateway for an invoice, trying the hinted
// profile first.
type Gateway interface {
	CheckPayment(ctx context.Context, invoiceID, hint string) (*qpay.PaymentCheck, string, error)
}

// Limiter bounds gateway checks per invoice.
type Limiter interface {
	Allow(ctx context.Context, invoiceID string) bool
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	PaymentSvc paymentdomain.Service
	Gateway    Gateway
	Limiter    Limiter             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	paymentSvc   paymentdomain.Service
	gateway      Gateway
	limiter      Limiter
	obsMetrics   *obsmetrics.Metrics
	checkTimeout time.Duration
	group        singleflight.Group
}

func NewService(p Params) *Service {
	timeout := p.Cfg.QPay.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Service{
		log:          p.Log.Named("payment.resolver"),
		paymentSvc:   p.PaymentSvc,
		gateway:      p.Gateway,
		limiter:      p.Limiter,
		obsMetrics:   p.ObsMetrics,
		checkTimeout: timeout,
	}
}

// Resolve reports whether an invoice has reached a terminal payment state.
// Gateway trouble never surfaces as an error; the caller sees count 0 and
// polls again.
func (s *Service) Resolve(ctx context.Context, invoiceID string) (paymentdomain.Resolution, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return pending(paymentdomain.SourceNone), paymentdomain.ErrInvalidInvoiceID
	}
	ctx = obscontext.WithInvoiceID(ctx, invoiceID)
	log := logger.WithContext(ctx, s.log)

	record, source, err := s.paymentSvc.Lookup(ctx, invoiceID)
	if err != nil {
		log.Warn("payment lookup failed, asking gateway", zap.Error(err))
		record = nil
	}
	if record != nil && record.Status.IsTerminal() {
		return s.resolved(ctx, record, source), nil
	}

	if s.gateway == nil {
		return s.pending(ctx, "no_gateway"), nil
	}
	if s.limiter != nil && !s.limiter.Allow(ctx, invoiceID) {
		log.Debug("gateway check throttled")
		return s.pending(ctx, "throttled"), nil
	}

	hint := ""
	if record != nil {
		hint = string(record.ServiceType)
	}

	// The shared check runs detached from any single caller so one poller
	// giving up does not cancel it for the others.
	ch := s.group.DoChan(invoiceID, func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.checkTimeout)
		defer cancel()
		return s.checkGateway(checkCtx, invoiceID, hint), nil
	})

	select {
	case <-ctx.Done():
		return s.pending(ctx, "canceled"), nil
	case res := <-ch:
		checked, _ := res.Val.(*paymentdomain.EventRecord)
		if checked == nil || !checked.Status.IsTerminal() {
			return s.pending(ctx, "gateway_pending"), nil
		}
		return s.resolved(ctx, checked, paymentdomain.SourceGateway), nil
	}
}

// checkGateway asks the gateway and records its best answer. It returns nil
// when the gateway fails or knows nothing about the invoice.
func (s *Service) checkGateway(ctx context.Context, invoiceID, hint string) *paymentdomain.EventRecord {
	log := logger.WithContext(ctx, s.log)

	result, profile, err := s.gateway.CheckPayment(ctx, invoiceID, hint)
	if err != nil {
		log.Warn("gateway payment check failed", zap.String("profile_hint", hint), zap.Error(err))
		return nil
	}

	event, ok := bestEvent(result, invoiceID)
	if !ok {
		return nil
	}
	event.ServiceType = paymentdomain.ParseServiceType(profile)
	if event.ServiceType == "" {
		event.ServiceType = paymentdomain.ParseServiceType(hint)
	}

	record, err := s.paymentSvc.RecordEvent(ctx, event)
	if err != nil {
		log.Error("failed to record gateway payment", zap.String("payment_status", string(event.Status)), zap.Error(err))
		return nil
	}
	return record
}

// bestEvent picks the row for invoiceID with the highest status precedence.
func bestEvent(result *qpay.PaymentCheck, invoiceID string) (paymentdomain.PaymentEvent, bool) {
	if result == nil {
		return paymentdomain.PaymentEvent{}, false
	}
	var (
		best  qpay.Payment
		found bool
		rank  = -1
	)
	for _, row := range result.Rows {
		if row.ObjectID != "" && row.ObjectID != invoiceID {
			continue
		}
		status, ok := paymentdomain.ParseStatus(row.PaymentStatus)
		if !ok || status.Rank() <= rank {
			continue
		}
		best, rank, found = row, status.Rank(), true
	}
	if !found {
		return paymentdomain.PaymentEvent{}, false
	}

	status, _ := paymentdomain.ParseStatus(best.PaymentStatus)
	raw, _ := json.Marshal(best)
	return paymentdomain.PaymentEvent{
		InvoiceID:  invoiceID,
		PaymentID:  best.PaymentID,
		Status:     status,
		Amount:     best.PaymentAmount.Decimal,
		Currency:   best.PaymentCurrency,
		PaidAt:     paymentdomain.ParsePaymentDate(best.PaymentDate),
		RawPayload: raw,
	}, true
}

func (s *Service) resolved(ctx context.Context, record *paymentdomain.EventRecord, source string) paymentdomain.Resolution {
	s.obsMetrics.RecordResolution(ctx, source, string(record.Status))
	return paymentdomain.Resolution{
		Count:  1,
		Rows:   []paymentdomain.PaymentRow{record.Row()},
		Source: source,
	}
}

func (s *Service) pending(ctx context.Context, reason string) paymentdomain.Resolution {
	s.obsMetrics.RecordResolution(ctx, reason, string(paymentdomain.StatusNew))
	return pending(paymentdomain.SourceNone)
}

func pending(source string) paymentdomain.Resolution {
	return paymentdomain.Resolution{Count: 0, Rows: []paymentdomain.PaymentRow{}, Source: source}
}

var _ paymentdomain.Resolver = (*Service)(nil)
