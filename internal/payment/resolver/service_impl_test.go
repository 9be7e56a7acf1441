package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/gateway/qpay"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type memoryPayments struct {
	mu        sync.Mutex
	records   map[string]*paymentdomain.EventRecord
	lookupErr error
	recorded  []paymentdomain.PaymentEvent
}

func newMemoryPayments() *memoryPayments {
	return &memoryPayments{records: map[string]*paymentdomain.EventRecord{}}
}

func (m *memoryPayments) RecordEvent(_ context.Context, event paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, event)
	existing, ok := m.records[event.InvoiceID]
	if ok && !event.Status.Supersedes(existing.Status) {
		return existing, nil
	}
	record := &paymentdomain.EventRecord{
		InvoiceID:   event.InvoiceID,
		Status:      event.Status,
		Amount:      event.Amount,
		Currency:    event.Currency,
		PaidAt:      event.PaidAt,
		ServiceType: event.ServiceType,
		Version:     1,
	}
	if event.PaymentID != "" {
		id := event.PaymentID
		record.PaymentID = &id
	}
	m.records[event.InvoiceID] = record
	return record, nil
}

func (m *memoryPayments) Lookup(_ context.Context, invoiceID string) (*paymentdomain.EventRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, paymentdomain.SourceNone, m.lookupErr
	}
	record, ok := m.records[invoiceID]
	if !ok {
		return nil, paymentdomain.SourceNone, nil
	}
	return record, paymentdomain.SourceStore, nil
}

func (m *memoryPayments) ListPending(context.Context, time.Duration, time.Duration, int) ([]paymentdomain.EventRecord, error) {
	return nil, nil
}

func (m *memoryPayments) MarkChecked(context.Context, string) error {
	return nil
}

type fakeGateway struct {
	calls   atomic.Int32
	hints   chan string
	release chan struct{}
	result  *qpay.PaymentCheck
	profile string
	err     error
}

func (g *fakeGateway) CheckPayment(ctx context.Context, invoiceID, hint string) (*qpay.PaymentCheck, string, error) {
	g.calls.Add(1)
	if g.hints != nil {
		g.hints <- hint
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return g.result, g.profile, g.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

func paidCheck(invoiceID string) *qpay.PaymentCheck {
	return &qpay.PaymentCheck{
		Count: 1,
		Rows: []qpay.Payment{{
			PaymentID:       "P1",
			PaymentStatus:   "PAID",
			PaymentDate:     "2024-03-01T12:00:00Z",
			PaymentAmount:   qpay.NewAmount(decimal.NewFromInt(50000)),
			PaymentCurrency: "MNT",
			ObjectType:      "INVOICE",
			ObjectID:        invoiceID,
		}},
	}
}

func newResolver(payments paymentdomain.Service, gateway Gateway, limiter Limiter, timeout time.Duration) *Service {
	cfg := config.Config{QPay: config.QPayConfig{CheckTimeout: timeout}}
	return NewService(Params{
		Log:        zap.NewNop(),
		Cfg:        cfg,
		PaymentSvc: payments,
		Gateway:    gateway,
		Limiter:    limiter,
	})
}

func TestResolveRejectsEmptyInvoiceID(t *testing.T) {
	r := newResolver(newMemoryPayments(), &fakeGateway{}, nil, time.Second)

	res, err := r.Resolve(context.Background(), "  ")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidInvoiceID)
	assert.Zero(t, res.Count)
	assert.NotNil(t, res.Rows)
}

func TestResolveTerminalRecordSkipsGateway(t *testing.T) {
	payments := newMemoryPayments()
	_, err := payments.RecordEvent(context.Background(), paymentdomain.PaymentEvent{
		InvoiceID: "INV-1",
		PaymentID: "P1",
		Status:    paymentdomain.StatusPaid,
		Amount:    decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	gateway := &fakeGateway{}
	r := newResolver(payments, gateway, nil, time.Second)

	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "P1", res.Rows[0].PaymentID)
	assert.Equal(t, paymentdomain.StatusPaid, res.Rows[0].PaymentStatus)
	assert.Equal(t, paymentdomain.SourceStore, res.Source)
	assert.Zero(t, gateway.calls.Load())
}

func TestResolveFallsBackToGatewayAndRecords(t *testing.T) {
	payments := newMemoryPayments()
	gateway := &fakeGateway{result: paidCheck("INV-1"), profile: "course"}
	r := newResolver(payments, gateway, nil, time.Second)

	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, paymentdomain.SourceGateway, res.Source)
	require.Len(t, payments.recorded, 1)
	assert.Equal(t, paymentdomain.ServiceTypeCourse, payments.recorded[0].ServiceType)
	assert.True(t, payments.recorded[0].Amount.Equal(decimal.NewFromInt(50000)))
	require.NotNil(t, payments.recorded[0].PaidAt)

	// The recorded row now answers without the gateway.
	res, err = r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.EqualValues(t, 1, gateway.calls.Load())
}

func TestResolvePendingRecordUsesServiceTypeHint(t *testing.T) {
	payments := newMemoryPayments()
	_, err := payments.RecordEvent(context.Background(), paymentdomain.PaymentEvent{
		InvoiceID:   "INV-1",
		Status:      paymentdomain.StatusNew,
		ServiceType: paymentdomain.ServiceTypeTest,
	})
	require.NoError(t, err)
	gateway := &fakeGateway{hints: make(chan string, 1), result: &qpay.PaymentCheck{Rows: []qpay.Payment{}}}
	r := newResolver(payments, gateway, nil, time.Second)

	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.Rows)
	assert.Equal(t, "test", <-gateway.hints)
}

func TestResolveGatewayFailureDegradesToPending(t *testing.T) {
	gateway := &fakeGateway{err: &qpay.Error{Op: "check_payment", Kind: qpay.ErrUnavailable}}
	r := newResolver(newMemoryPayments(), gateway, nil, time.Second)

	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.NotNil(t, res.Rows)
}

func TestResolveGatewayTimeoutDegradesToPending(t *testing.T) {
	gateway := &fakeGateway{release: make(chan struct{}), result: paidCheck("INV-1")}
	r := newResolver(newMemoryPayments(), gateway, nil, 50*time.Millisecond)

	start := time.Now()
	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestResolveStoreFailureStillAsksGateway(t *testing.T) {
	payments := newMemoryPayments()
	payments.lookupErr = errors.New("db down")
	gateway := &fakeGateway{result: paidCheck("INV-1")}
	r := newResolver(payments, gateway, nil, time.Second)

	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestResolveThrottledDoesNotCallGateway(t *testing.T) {
	gateway := &fakeGateway{result: paidCheck("INV-1")}
	r := newResolver(newMemoryPayments(), gateway, denyLimiter{}, time.Second)

	res, err := r.Resolve(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Zero(t, gateway.calls.Load())
}

func TestResolveConcurrentPollsShareOneGatewayCall(t *testing.T) {
	gateway := &fakeGateway{release: make(chan struct{}), result: paidCheck("INV-1")}
	r := newResolver(newMemoryPayments(), gateway, nil, 5*time.Second)

	const pollers = 8
	var wg sync.WaitGroup
	results := make(chan paymentdomain.Resolution, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), "INV-1")
			assert.NoError(t, err)
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return gateway.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gateway.release)
	wg.Wait()
	close(results)

	assert.EqualValues(t, 1, gateway.calls.Load())
	for res := range results {
		assert.Equal(t, 1, res.Count)
	}
}

func TestResolveCanceledCallerReturnsPending(t *testing.T) {
	gateway := &fakeGateway{release: make(chan struct{}), result: paidCheck("INV-1")}
	r := newResolver(newMemoryPayments(), gateway, nil, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := r.Resolve(ctx, "INV-1")
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	close(gateway.release)
}

func TestBestEventPrefersHighestStatus(t *testing.T) {
	check := &qpay.PaymentCheck{Rows: []qpay.Payment{
		{PaymentID: "P0", PaymentStatus: "NEW", ObjectID: "INV-1"},
		{PaymentID: "P9", PaymentStatus: "PAID", ObjectID: "INV-OTHER"},
		{PaymentID: "P1", PaymentStatus: "PAID", ObjectID: "INV-1"},
		{PaymentID: "P2", PaymentStatus: "FAILED", ObjectID: "INV-1"},
		{PaymentID: "P3", PaymentStatus: "UNKNOWN", ObjectID: "INV-1"},
	}}
	event, ok := bestEvent(check, "INV-1")
	require.True(t, ok)
	assert.Equal(t, "P1", event.PaymentID)
	assert.Equal(t, paymentdomain.StatusPaid, event.Status)

	_, ok = bestEvent(&qpay.PaymentCheck{}, "INV-1")
	assert.False(t, ok)
	_, ok = bestEvent(nil, "INV-1")
	assert.False(t, ok)
}
