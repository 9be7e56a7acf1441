package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type recordingPaymentSvc struct {
	events []paymentdomain.PaymentEvent
	stored paymentdomain.Status
	err    error
}

func (r *recordingPaymentSvc) RecordEvent(_ context.Context, event paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.events = append(r.events, event)
	status := event.Status
	if r.stored != "" {
		status = r.stored
	}
	return &paymentdomain.EventRecord{InvoiceID: event.InvoiceID, Status: status, Version: 1}, nil
}

func (r *recordingPaymentSvc) Lookup(context.Context, string) (*paymentdomain.EventRecord, string, error) {
	return nil, paymentdomain.SourceNone, nil
}

func (r *recordingPaymentSvc) ListPending(context.Context, time.Duration, time.Duration, int) ([]paymentdomain.EventRecord, error) {
	return nil, nil
}

func (r *recordingPaymentSvc) MarkChecked(context.Context, string) error {
	return nil
}

func newTestService(svc *recordingPaymentSvc) *Service {
	return NewService(Params{Log: zap.NewNop(), PaymentSvc: svc})
}

func TestIngestValidCallback(t *testing.T) {
	svc := &recordingPaymentSvc{}
	ingestor := newTestService(svc)

	payload := []byte(`{
		"payment_id": "P1",
		"payment_status": "paid",
		"payment_amount": "50000.00",
		"payment_currency": "MNT",
		"payment_date": "2024-03-01 12:00:00",
		"object_type": "INVOICE",
		"object_id": "INV-1"
	}`)
	require.NoError(t, ingestor.Ingest(context.Background(), paymentdomain.ServiceTypeCourse, payload))
	require.Len(t, svc.events, 1)

	event := svc.events[0]
	assert.Equal(t, "INV-1", event.InvoiceID)
	assert.Equal(t, "P1", event.PaymentID)
	assert.Equal(t, paymentdomain.StatusPaid, event.Status)
	assert.True(t, event.Amount.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, paymentdomain.ServiceTypeCourse, event.ServiceType)
	require.NotNil(t, event.PaidAt)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *event.PaidAt)
	assert.True(t, json.Valid(event.RawPayload))
}

func TestIngestServiceTypeFromBody(t *testing.T) {
	svc := &recordingPaymentSvc{}
	ingestor := newTestService(svc)

	payload := []byte(`{"payment_id":"P1","payment_status":"NEW","object_id":"INV-1","service_type":"test","amount":1500}`)
	require.NoError(t, ingestor.Ingest(context.Background(), "", payload))
	require.Len(t, svc.events, 1)
	assert.Equal(t, paymentdomain.ServiceTypeTest, svc.events[0].ServiceType)
	assert.True(t, svc.events[0].Amount.Equal(decimal.NewFromInt(1500)))
}

func TestIngestRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"empty":              ``,
		"not json":           `payment_id=P1`,
		"missing payment id": `{"payment_status":"PAID","object_id":"INV-1"}`,
		"missing object id":  `{"payment_id":"P1","payment_status":"PAID"}`,
		"unknown status":     `{"payment_id":"P1","payment_status":"SETTLED","object_id":"INV-1"}`,
		"missing status":     `{"payment_id":"P1","object_id":"INV-1"}`,
		"wrong object type":  `{"payment_id":"P1","payment_status":"PAID","object_type":"QR","object_id":"INV-1"}`,
		"bad amount":         `{"payment_id":"P1","payment_status":"PAID","object_id":"INV-1","payment_amount":"lots"}`,
		"negative amount":    `{"payment_id":"P1","payment_status":"PAID","object_id":"INV-1","payment_amount":-5}`,
		"array payload":      `[{"payment_id":"P1"}]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &recordingPaymentSvc{}
			err := newTestService(svc).Ingest(context.Background(), paymentdomain.ServiceTypeCourse, []byte(payload))
			assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
			assert.Empty(t, svc.events)
		})
	}
}

func TestIngestPropagatesStoreErrors(t *testing.T) {
	storeErr := errors.New("db down")
	svc := &recordingPaymentSvc{err: storeErr}

	err := newTestService(svc).Ingest(context.Background(), "", []byte(`{"payment_id":"P1","payment_status":"PAID","object_id":"INV-1"}`))
	assert.ErrorIs(t, err, storeErr)
}

func TestIngestIgnoredRegressionIsNotAnError(t *testing.T) {
	svc := &recordingPaymentSvc{stored: paymentdomain.StatusPaid}

	err := newTestService(svc).Ingest(context.Background(), "", []byte(`{"payment_id":"P1","payment_status":"NEW","object_id":"INV-1"}`))
	assert.NoError(t, err)
}
