// Package integration runs the side effects of a committed sale: usage
// metering, customer notifications and tax authority submission. Nothing here
// can change or fail a sale; errors are logged as IntegrationFailureError.
package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dukapos/backend/internal/domain"
)

const (
	EventSaleCompleted = "sale.completed"
	EventSaleCancelled = "sale.cancelled"
	EventPaymentPushed = "payment.pushed"
)

type UsageRecorder interface {
	RecordTransaction(ctx context.Context, event domain.SaleEvent) error
}

type Notifier interface {
	SaleCompleted(ctx context.Context, event domain.SaleEvent) error
	PaymentReminder(ctx context.Context, event domain.SaleEvent, phone string) error
}

type TaxSubmitter interface {
	SubmitInvoice(ctx context.Context, event domain.SaleEvent) error
}

type Options struct {
	MaxConcurrent int64
	CallTimeout   time.Duration
	TaxAttempts   int
	TaxBackoff    time.Duration
}

// Dispatcher fans sale events out to the collaborators on at most
// MaxConcurrent goroutines. Calls return immediately.
type Dispatcher struct {
	usage    UsageRecorder
	notifier Notifier
	tax      TaxSubmitter
	logger   *zap.Logger
	opts     Options
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

func NewDispatcher(usage UsageRecorder, notifier Notifier, tax TaxSubmitter, logger *zap.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 8
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.TaxAttempts < 1 {
		opts.TaxAttempts = 3
	}
	if opts.TaxBackoff <= 0 {
		opts.TaxBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		usage:    usage,
		notifier: notifier,
		tax:      tax,
		logger:   logger.Named("integration"),
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// SaleCompleted meters the sale, notifies the customer and submits the
// invoice to the tax authority.
func (d *Dispatcher) SaleCompleted(event domain.SaleEvent) {
	event.Kind = EventSaleCompleted
	if d.usage != nil {
		d.run("usage", event, d.usage.RecordTransaction)
	}
	if d.notifier != nil {
		d.run("notifier", event, d.notifier.SaleCompleted)
	}
	if d.tax != nil {
		d.run("tax", event, d.submitWithRetry)
	}
}

func (d *Dispatcher) SaleCancelled(event domain.SaleEvent) {
	event.Kind = EventSaleCancelled
	if d.usage != nil {
		d.run("usage", event, d.usage.RecordTransaction)
	}
}

// PaymentPushed reminds the customer to approve the prompt on their phone.
func (d *Dispatcher) PaymentPushed(event domain.SaleEvent, phone string) {
	event.Kind = EventPaymentPushed
	if d.notifier == nil {
		return
	}
	d.run("notifier", event, func(ctx context.Context, event domain.SaleEvent) error {
		return d.notifier.PaymentReminder(ctx, event, phone)
	})
}

// Wait blocks until queued calls finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(name string, event domain.SaleEvent, call func(context.Context, domain.SaleEvent) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("integration panicked",
					zap.String("integration", name),
					zap.String("sale_id", event.SaleID),
					zap.Any("panic", r),
				)
			}
		}()

		budget := d.opts.CallTimeout
		if name == "tax" {
			budget = d.taxBudget()
		}
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Warn("integration dropped", zap.String("integration", name), zap.String("sale_id", event.SaleID), zap.Error(err))
			return
		}
		defer d.sem.Release(1)

		if err := call(ctx, event); err != nil {
			failure := &domain.IntegrationFailureError{Integration: name, Err: err}
			d.logger.Error("integration failed",
				zap.String("integration", name),
				zap.String("kind", event.Kind),
				zap.String("sale_id", event.SaleID),
				zap.Error(failure),
			)
			return
		}
		d.logger.Debug("integration delivered", zap.String("integration", name), zap.String("kind", event.Kind), zap.String("sale_id", event.SaleID))
	}()
}

// taxBudget covers every attempt plus the linear backoff between them.
func (d *Dispatcher) taxBudget() time.Duration {
	budget := time.Duration(d.opts.TaxAttempts) * d.opts.CallTimeout
	for attempt := 1; attempt < d.opts.TaxAttempts; attempt++ {
		budget += d.opts.TaxBackoff * time.Duration(attempt)
	}
	return budget
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, event domain.SaleEvent) error {
	var lastErr error
	for attempt := 1; attempt <= d.opts.TaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		lastErr = d.tax.SubmitInvoice(callCtx, event)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == d.opts.TaxAttempts {
			break
		}
		d.logger.Warn("tax submission failed, retrying",
			zap.String("sale_id", event.SaleID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		select {
		case <-time.After(d.opts.TaxBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.opts.TaxAttempts, lastErr)
}
