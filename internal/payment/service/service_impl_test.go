package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/coursepay/internal/cache"
	"github.com/smallbiznis/coursepay/internal/clock"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/coursepay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/coursepay/internal/payment/service"
)

type fixture struct {
	db    *gorm.DB
	svc   *paymentservice.Service
	cache paymentdomain.StatusCache
	clock *clock.FakeClock
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&paymentdomain.EventRecord{}))
	return db
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	statusCache := cache.NewStatusCache(cache.StatusCacheConfig{Clock: fake})
	svc := paymentservice.NewService(paymentservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  paymentrepo.Provide(),
		Cache: statusCache,
		Clock: fake,
	})
	return fixture{db: db, svc: svc, cache: statusCache, clock: fake}
}

func paidEvent(invoiceID string) paymentdomain.PaymentEvent {
	paidAt := time.Date(2024, 3, 1, 11, 59, 30, 0, time.UTC)
	return paymentdomain.PaymentEvent{
		InvoiceID:   invoiceID,
		PaymentID:   "PAY-" + invoiceID,
		Status:      paymentdomain.StatusPaid,
		Amount:      decimal.NewFromInt(50000),
		Currency:    "mnt",
		PaidAt:      &paidAt,
		ServiceType: paymentdomain.ServiceTypeCourse,
		RawPayload:  []byte(`{"payment_id":"PAY-` + invoiceID + `","payment_status":"PAID"}`),
	}
}

func countRows(t *testing.T, db *gorm.DB, invoiceID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Where("invoice_id = ?", invoiceID).Count(&n).Error)
	return n
}

func TestRecordEventCreatesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.svc.RecordEvent(ctx, paidEvent("INV-1"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPaid, record.Status)
	assert.Equal(t, "MNT", record.Currency)
	assert.EqualValues(t, 1, record.Version)
	require.NotNil(t, record.PaymentID)
	assert.Equal(t, "PAY-INV-1", *record.PaymentID)
	assert.EqualValues(t, 1, countRows(t, f.db, "INV-1"))

	cached, ok := f.cache.Get(ctx, "INV-1")
	require.True(t, ok)
	assert.Equal(t, paymentdomain.StatusPaid, cached.Status)
}

func TestRecordEventIsIdempotent(t *testing.T) {
	for _, deliveries := range []int{1, 2, 7} {
		t.Run(fmt.Sprintf("%d deliveries", deliveries), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			var last *paymentdomain.EventRecord
			for i := 0; i < deliveries; i++ {
				record, err := f.svc.RecordEvent(ctx, paidEvent("INV-1"))
				require.NoError(t, err)
				last = record
				f.clock.Advance(time.Second)
			}
			assert.EqualValues(t, 1, countRows(t, f.db, "INV-1"))
			assert.EqualValues(t, 1, last.Version)
		})
	}
}

func TestRecordEventConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordEvent(ctx, paidEvent("INV-1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, countRows(t, f.db, "INV-1"))
}

func TestRecordEventNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvent(ctx, paidEvent("INV-1"))
	require.NoError(t, err)

	pending := paymentdomain.PaymentEvent{InvoiceID: "INV-1", Status: paymentdomain.StatusNew}
	record, err := f.svc.RecordEvent(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPaid, record.Status)

	stored, source, err := f.svc.Lookup(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SourceCache, source)
	assert.Equal(t, paymentdomain.StatusPaid, stored.Status)
}

func TestRecordEventOrderIndependent(t *testing.T) {
	newEvt := paymentdomain.PaymentEvent{InvoiceID: "INV-1", Status: paymentdomain.StatusNew, Amount: decimal.NewFromInt(50000)}
	paid := paidEvent("INV-1")

	orders := map[string][]paymentdomain.PaymentEvent{
		"new then paid": {newEvt, paid},
		"paid then new": {paid, newEvt},
	}
	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for _, evt := range events {
				_, err := f.svc.RecordEvent(ctx, evt)
				require.NoError(t, err)
			}

			f.cache.Delete(ctx, "INV-1")
			stored, source, err := f.svc.Lookup(ctx, "INV-1")
			require.NoError(t, err)
			assert.Equal(t, paymentdomain.SourceStore, source)
			assert.Equal(t, paymentdomain.StatusPaid, stored.Status)
			assert.True(t, stored.Amount.Equal(decimal.NewFromInt(50000)))
			require.NotNil(t, stored.PaidAt)
		})
	}
}

func TestRecordEventUpgradesPendingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{
		InvoiceID: "INV-1",
		Status:    paymentdomain.StatusNew,
		Amount:    decimal.NewFromInt(50000),
		Currency:  "MNT",
	})
	require.NoError(t, err)
	assert.Nil(t, first.PaidAt)

	f.clock.Advance(time.Minute)
	paid, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{
		InvoiceID: "INV-1",
		PaymentID: "P1",
		Status:    paymentdomain.StatusPaid,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, paid.Version)
	assert.True(t, paid.Amount.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, "MNT", paid.Currency)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, f.clock.Now(), paid.PaidAt.UTC())

	cached, ok := f.cache.Get(ctx, "INV-1")
	require.True(t, ok)
	assert.EqualValues(t, 2, cached.Version)
}

func TestRecordEventMatchesByPaymentID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "INV-1", PaymentID: "P1", Status: paymentdomain.StatusNew})
	require.NoError(t, err)

	stored, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "inv-1 ", PaymentID: "P1", Status: paymentdomain.StatusPaid})
	require.NoError(t, err)
	assert.Equal(t, "INV-1", stored.InvoiceID)
	assert.Equal(t, paymentdomain.StatusPaid, stored.Status)
	assert.EqualValues(t, 2, stored.Version)

	var byPayment int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Where("payment_id = ?", "P1").Count(&byPayment).Error)
	assert.EqualValues(t, 1, byPayment)
	assert.EqualValues(t, 0, countRows(t, f.db, "inv-1"))

	record, _, err := f.svc.Lookup(ctx, "INV-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, paymentdomain.StatusPaid, record.Status)
}

func TestRecordEventRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "  ", Status: paymentdomain.StatusPaid})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidInvoiceID)

	_, err = f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "INV-1", Status: "SETTLED"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "INV-1", Status: paymentdomain.StatusPaid, Amount: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "INV-1", Status: paymentdomain.StatusPaid, RawPayload: []byte("{")})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestLookupUnknownInvoice(t *testing.T) {
	f := newFixture(t)

	record, source, err := f.svc.Lookup(context.Background(), "INV-404")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, paymentdomain.SourceNone, source)

	_, _, err = f.svc.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidInvoiceID)
}

func TestListPendingReturnsStaleNewRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "INV-OLD", Status: paymentdomain.StatusNew})
	require.NoError(t, err)
	_, err = f.svc.RecordEvent(ctx, paidEvent("INV-PAID"))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: "INV-FRESH", Status: paymentdomain.StatusNew})
	require.NoError(t, err)

	pending, err := f.svc.ListPending(ctx, 5*time.Minute, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "INV-OLD", pending[0].InvoiceID)

	pending, err = f.svc.ListPending(ctx, 5*time.Minute, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListPendingRotatesPastCheckedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"INV-A", "INV-B", "INV-C"} {
		_, err := f.svc.RecordEvent(ctx, paymentdomain.PaymentEvent{InvoiceID: id, Status: paymentdomain.StatusNew})
		require.NoError(t, err)
	}
	f.clock.Advance(10 * time.Minute)

	invoiceIDs := func(rows []paymentdomain.EventRecord) []string {
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.InvoiceID)
		}
		return ids
	}

	first, err := f.svc.ListPending(ctx, 2*time.Minute, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-A", "INV-B"}, invoiceIDs(first))
	for _, row := range first {
		require.NoError(t, f.svc.MarkChecked(ctx, row.InvoiceID))
	}

	f.clock.Advance(time.Minute)
	second, err := f.svc.ListPending(ctx, 2*time.Minute, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-C"}, invoiceIDs(second))
	require.NoError(t, f.svc.MarkChecked(ctx, "INV-C"))

	f.clock.Advance(2 * time.Minute)
	third, err := f.svc.ListPending(ctx, 2*time.Minute, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-A", "INV-B"}, invoiceIDs(third))

	var stored paymentdomain.EventRecord
	require.NoError(t, f.db.Where("invoice_id = ?", "INV-A").First(&stored).Error)
	assert.EqualValues(t, 1, stored.Version)
	require.NotNil(t, stored.CheckedAt)
}

func TestMarkCheckedIgnoresTerminalRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvent(ctx, paidEvent("INV-PAID"))
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkChecked(ctx, "INV-PAID"))

	var stored paymentdomain.EventRecord
	require.NoError(t, f.db.Where("invoice_id = ?", "INV-PAID").First(&stored).Error)
	assert.Nil(t, stored.CheckedAt)

	assert.ErrorIs(t, f.svc.MarkChecked(ctx, " "), paymentdomain.ErrInvalidInvoiceID)
}
