package qpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/coursepay/internal/clock"
)

type fakeGateway struct {
	t          *testing.T
	tokenCalls atomic.Int32
	checkCalls atomic.Int32
	reject401  atomic.Int32
	expiresIn  int64
	checkBody  string
	status     int

	mu       sync.Mutex
	lastBody map[string]any
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"AUTHENTICATION_FAILED","message":"bad credentials"}`))
			return
		}
		n := g.tokenCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":         "bearer",
			"access_token":       "access-" + string(rune('0'+n)),
			"refresh_token":      "refresh",
			"expires_in":         g.expiresIn,
			"refresh_expires_in": g.expiresIn,
		})
	})
	mux.HandleFunc("/invoice", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.lastBody = body
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"invoice_id":    "INV-1",
			"qr_text":       "qr",
			"qPay_shortUrl": "https://s.qpay.mn/x",
			"urls":          []map[string]string{{"name": "bank", "link": "bank://pay"}},
		})
	})
	mux.HandleFunc("/invoice/INV-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	mux.HandleFunc("/payment/check", func(w http.ResponseWriter, r *http.Request) {
		g.checkCalls.Add(1)
		if g.reject401.Load() > 0 {
			g.reject401.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.lastBody = body
		g.mu.Unlock()
		status := g.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(g.checkBody))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, g *fakeGateway, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, Profile{
		Name:         "course",
		ClientID:     "client",
		ClientSecret: "secret",
		InvoiceCode:  "COURSE_INVOICE",
		CallbackURL:  "https://example.com/cb",
	}, opts...)
	return client, srv
}

func TestCheckPaymentParsesRows(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600, checkBody: `{
		"count": 1,
		"paid_amount": 50000,
		"rows": [{
			"payment_id": "P1",
			"payment_status": "PAID",
			"payment_date": "2024-01-02T03:04:05Z",
			"payment_fee": "",
			"payment_amount": "50000.00",
			"payment_currency": "MNT",
			"object_type": "INVOICE",
			"object_id": "INV-1"
		}]
	}`}
	client, _ := newTestClient(t, g)

	result, err := client.CheckPayment(context.Background(), "INV-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "P1", result.Rows[0].PaymentID)
	assert.True(t, result.Rows[0].PaymentAmount.Equal(decimal.NewFromInt(50000)))
	assert.True(t, result.Rows[0].PaymentFee.IsZero())
	assert.True(t, result.PaidAmount.Equal(decimal.NewFromInt(50000)))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "INVOICE", g.lastBody["object_type"])
	assert.Equal(t, "INV-1", g.lastBody["object_id"])
	offset, ok := g.lastBody["offset"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, offset["page_number"])
	assert.EqualValues(t, 100, offset["page_limit"])
}

func TestCheckPaymentEmptyRowsNeverNil(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600, checkBody: `{"count":0}`}
	client, _ := newTestClient(t, g)

	result, err := client.CheckPayment(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.NotNil(t, result.Rows)
	assert.Empty(t, result.Rows)
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600, checkBody: `{"count":0,"rows":[]}`}
	client, _ := newTestClient(t, g)

	for i := 0; i < 3; i++ {
		_, err := client.CheckPayment(context.Background(), "INV-1")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, g.tokenCalls.Load())
}

func TestTokenAcquisitionIsShared(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600, checkBody: `{"count":0,"rows":[]}`}
	client, _ := newTestClient(t, g)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.CheckPayment(context.Background(), "INV-1")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, g.tokenCalls.Load(), int32(2))
	assert.EqualValues(t, 10, g.checkCalls.Load())
}

func TestTokenExpiresInAsTimestamp(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := &fakeGateway{t: t, expiresIn: fake.Now().Add(10 * time.Minute).Unix(), checkBody: `{"count":0}`}
	client, _ := newTestClient(t, g, WithClock(fake))

	_, err := client.CheckPayment(context.Background(), "INV-1")
	require.NoError(t, err)

	fake.Advance(8 * time.Minute)
	_, err = client.CheckPayment(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, g.tokenCalls.Load())

	// Inside the safety margin the token is replaced.
	fake.Advance(90 * time.Second)
	_, err = client.CheckPayment(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, g.tokenCalls.Load())
}

func TestUnauthorizedRetriesOnceWithFreshToken(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600, checkBody: `{"count":0}`}
	g.reject401.Store(1)
	client, _ := newTestClient(t, g)

	_, err := client.CheckPayment(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, g.checkCalls.Load())
	assert.EqualValues(t, 2, g.tokenCalls.Load())
}

func TestUnauthorizedTwiceFails(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600, checkBody: `{"count":0}`}
	g.reject401.Store(5)
	client, _ := newTestClient(t, g)

	_, err := client.CheckPayment(context.Background(), "INV-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   error
	}{
		{name: "bad request", status: http.StatusBadRequest, kind: ErrRejected},
		{name: "not found", status: http.StatusNotFound, kind: ErrRejected},
		{name: "server error", status: http.StatusBadGateway, kind: ErrUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, kind: ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &fakeGateway{t: t, expiresIn: 3600, status: tc.status, checkBody: `{"error":"INVOICE_NOTFOUND","message":"no invoice"}`}
			client, _ := newTestClient(t, g)

			_, err := client.CheckPayment(context.Background(), "INV-1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind))

			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tc.status, gwErr.StatusCode)
			assert.Equal(t, "INVOICE_NOTFOUND", gwErr.Code)
		})
	}
}

func TestBadCredentialsAreUnauthorized(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600}
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, Profile{Name: "default", ClientID: "client", ClientSecret: "wrong"})

	_, err := client.CheckPayment(context.Background(), "INV-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Zero(t, g.checkCalls.Load())
}

func TestUnreachableGatewayIsUnavailable(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600}
	_, srv := newTestClient(t, g)
	srv.Close()
	client := NewClient(srv.URL, Profile{Name: "default", ClientID: "client", ClientSecret: "secret"}, WithTimeout(time.Second))

	_, err := client.CheckPayment(context.Background(), "INV-1")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestCreateInvoiceFillsProfileDefaults(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600}
	client, _ := newTestClient(t, g)

	invoice, err := client.CreateInvoice(context.Background(), InvoiceRequest{
		SenderInvoiceNo:     "S-1",
		InvoiceReceiverCode: "terminal",
		InvoiceDescription:  "Go course",
		Amount:              NewAmount(decimal.RequireFromString("50000.50")),
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-1", invoice.InvoiceID)
	assert.Equal(t, "https://s.qpay.mn/x", invoice.WebURL())
	assert.Equal(t, "bank://pay", invoice.DeepLink())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "COURSE_INVOICE", g.lastBody["invoice_code"])
	assert.Equal(t, "https://example.com/cb", g.lastBody["callback_url"])
	assert.EqualValues(t, 50000.5, g.lastBody["amount"])
}

func TestCancelInvoice(t *testing.T) {
	g := &fakeGateway{t: t, expiresIn: 3600}
	client, _ := newTestClient(t, g)

	require.NoError(t, client.CancelInvoice(context.Background(), "INV-1"))
	err := client.CancelInvoice(context.Background(), "INV-404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestInvoiceURLObjectForm(t *testing.T) {
	var invoice Invoice
	require.NoError(t, json.Unmarshal([]byte(`{"invoice_id":"I","urls":{"web":"https://w","deeplink":"app://d"}}`), &invoice))
	assert.Equal(t, "https://w", invoice.WebURL())
	assert.Equal(t, "app://d", invoice.DeepLink())
}

func TestExpiryFrom(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour-tokenSkew), expiryFrom(now, 3600))
	assert.Equal(t, now.Add(2*time.Hour-tokenSkew), expiryFrom(now, now.Add(2*time.Hour).Unix()))
	assert.Equal(t, now.Add(defaultTokenExpiry-tokenSkew), expiryFrom(now, 0))
}
