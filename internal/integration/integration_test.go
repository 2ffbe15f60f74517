package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"dukapos/backend/internal/domain"
)

type recorder struct {
	mu        sync.Mutex
	usage     []string
	notified  []string
	reminders []string
	taxCalls  int
	taxFailN  int
	panicOn   string
}

func (r *recorder) RecordTransaction(_ context.Context, event domain.SaleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, event.Kind)
	return nil
}

func (r *recorder) SaleCompleted(_ context.Context, event domain.SaleEvent) error {
	if r.panicOn == "notify" {
		panic("gateway exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, event.SaleNumber)
	return nil
}

func (r *recorder) PaymentReminder(_ context.Context, _ domain.SaleEvent, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reminders = append(r.reminders, phone)
	return nil
}

func (r *recorder) SubmitInvoice(_ context.Context, _ domain.SaleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taxCalls++
	if r.taxCalls <= r.taxFailN {
		return errors.New("kra unavailable")
	}
	return nil
}

func newTestDispatcher(t *testing.T, rec *recorder) *Dispatcher {
	return NewDispatcher(rec, rec, rec, zaptest.NewLogger(t), Options{
		MaxConcurrent: 2,
		CallTimeout:   time.Second,
		TaxAttempts:   3,
		TaxBackoff:    time.Millisecond,
	})
}

func waitFor(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func sampleEvent() domain.SaleEvent {
	return domain.SaleEvent{
		SaleID:     "sale-1",
		SaleNumber: "SAL-20240131-0001",
		CustomerID: "cust-1",
		Total:      decimal.NewFromInt(464),
		Tax:        decimal.NewFromInt(64),
		Paid:       decimal.NewFromInt(464),
	}
}

func TestSaleCompletedReachesEveryCollaborator(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, rec)

	d.SaleCompleted(sampleEvent())
	waitFor(t, d)

	assert.Equal(t, []string{EventSaleCompleted}, rec.usage)
	assert.Equal(t, []string{"SAL-20240131-0001"}, rec.notified)
	assert.Equal(t, 1, rec.taxCalls)
}

func TestTaxSubmissionRetries(t *testing.T) {
	rec := &recorder{taxFailN: 2}
	d := newTestDispatcher(t, rec)

	d.SaleCompleted(sampleEvent())
	waitFor(t, d)
	assert.Equal(t, 3, rec.taxCalls)
}

func TestTaxSubmissionGivesUp(t *testing.T) {
	rec := &recorder{taxFailN: 10}
	d := newTestDispatcher(t, rec)

	err := d.submitWithRetry(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Equal(t, 3, rec.taxCalls)
}

func TestPanickingCollaboratorIsContained(t *testing.T) {
	rec := &recorder{panicOn: "notify"}
	d := NewDispatcher(rec, rec, rec, zap.NewNop(), Options{TaxBackoff: time.Millisecond})

	d.SaleCompleted(sampleEvent())
	waitFor(t, d)
	assert.Equal(t, []string{EventSaleCompleted}, rec.usage)
	assert.Equal(t, 1, rec.taxCalls)
}

func TestPaymentPushedSendsReminder(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, rec)

	d.PaymentPushed(sampleEvent(), "254712345678")
	d.SaleCancelled(sampleEvent())
	waitFor(t, d)
	assert.Equal(t, []string{"254712345678"}, rec.reminders)
	assert.Equal(t, []string{EventSaleCancelled}, rec.usage)
}

func TestStaticGate(t *testing.T) {
	gate := NewStaticGate(" MPESA , loyalty,")
	ctx := context.Background()
	assert.False(t, gate.Enabled(ctx, FeatureMpesa))
	assert.False(t, gate.Enabled(ctx, "loyalty"))
	assert.True(t, gate.Enabled(ctx, "kra"))
	assert.True(t, NewStaticGate("").Enabled(ctx, FeatureMpesa))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "********5678", maskPhone("254712345678"))
	assert.Equal(t, "123", maskPhone("123"))
}
