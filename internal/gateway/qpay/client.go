package qpay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/coursepay/internal/clock"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
)

const (
	DefaultBaseURL     = "https://merchant.qpay.mn/v2"
	defaultHTTPTimeout = 15 * time.Second
	checkPageLimit     = 100
	objectTypeInvoice  = "INVOICE"
)

// Profile is one set of merchant credentials.
type Profile struct {
	Name         string
	ClientID     string
	ClientSecret string
	InvoiceCode  string
	CallbackURL  string
}

// Client talks to the gateway on behalf of one merchant profile.
type Client struct {
	profile Profile
	http    *resty.Client
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.Metrics

	mu    sync.Mutex
	token *token
	group singleflight.Group
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(client *Client) {
		if c != nil {
			client.clock = c
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(client *Client) {
		if log != nil {
			client.log = log
		}
	}
}

func WithMetrics(m *obsmetrics.Metrics) Option {
	return func(client *Client) {
		client.metrics = m
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.http.SetTimeout(timeout)
		}
	}
}

func NewClient(baseURL string, profile Profile, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		profile: profile,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultHTTPTimeout).
			SetHeader("Accept", "application/json").
			SetHeader("Content-Type", "application/json"),
		clock: clock.System(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("qpay").With(zap.String("profile", profile.Name))
	return c
}

func (c *Client) Profile() string {
	return c.profile.Name
}

// CreateInvoice issues a payable invoice.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.InvoiceCode == "" {
		req.InvoiceCode = c.profile.InvoiceCode
	}
	if req.CallbackURL == "" {
		req.CallbackURL = c.profile.CallbackURL
	}

	var out Invoice
	err := c.do(ctx, "create_invoice", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).SetResult(&out).Post("/invoice")
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.InvoiceID) == "" {
		return nil, &Error{Op: "create_invoice", Profile: c.profile.Name, Message: "missing invoice_id", Kind: ErrUnavailable}
	}
	return &out, nil
}

// CheckPayment lists the payments recorded against an invoice.
func (c *Client) CheckPayment(ctx context.Context, invoiceID string) (*PaymentCheck, error) {
	body := paymentCheckRequest{
		ObjectType: objectTypeInvoice,
		ObjectID:   invoiceID,
		Offset:     offset{PageNumber: 1, PageLimit: checkPageLimit},
	}
	var out PaymentCheck
	err := c.do(ctx, "check_payment", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&out).Post("/payment/check")
	})
	if err != nil {
		return nil, err
	}
	if out.Rows == nil {
		out.Rows = []Payment{}
	}
	return &out, nil
}

// CancelInvoice voids an unpaid invoice.
func (c *Client) CancelInvoice(ctx context.Context, invoiceID string) error {
	return c.do(ctx, "cancel_invoice", func(r *resty.Request) (*resty.Response, error) {
		return r.Delete("/invoice/" + url.PathEscape(invoiceID))
	})
}

// do runs an authenticated call, retrying once with a fresh token when the
// gateway answers 401.
func (c *Client) do(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) (err error) {
	defer func() {
		c.metrics.RecordGatewayCall(ctx, op, c.profile.Name, resultLabel(err))
	}()

	for attempt := 0; attempt < 2; attempt++ {
		access, tokenErr := c.accessToken(ctx)
		if tokenErr != nil {
			return tokenErr
		}

		var apiErr apiError
		resp, sendErr := send(c.http.R().SetContext(ctx).SetAuthToken(access).SetError(&apiErr))
		if sendErr != nil {
			return &Error{Op: op, Profile: c.profile.Name, Kind: ErrUnavailable, Cause: sendErr}
		}
		if !resp.IsError() {
			return nil
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.log.Info("access token rejected, retrying", zap.String("operation", op))
			c.invalidateToken(access)
			continue
		}
		return &Error{
			Op:         op,
			Profile:    c.profile.Name,
			StatusCode: resp.StatusCode(),
			Code:       apiErr.Error,
			Message:    apiErr.Message,
			Kind:       kindForStatus(resp.StatusCode()),
		}
	}
	return &Error{Op: op, Profile: c.profile.Name, StatusCode: http.StatusUnauthorized, Kind: ErrUnauthorized}
}

// IsUnavailable reports whether err is a transport or server-side failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
