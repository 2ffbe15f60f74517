package integration

import (
	"context"

	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
)

// LogUsage meters transactions into the structured log. Billing jobs read the
// "usage" entries.
type LogUsage struct {
	Logger *zap.Logger
}

func (u LogUsage) RecordTransaction(_ context.Context, event domain.SaleEvent) error {
	u.Logger.Info("usage",
		zap.String("kind", event.Kind),
		zap.String("sale_id", event.SaleID),
		zap.String("total_amount", event.Total.StringFixed(2)),
	)
	return nil
}

// LogNotifier stands in for the SMS/WhatsApp gateway.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) SaleCompleted(_ context.Context, event domain.SaleEvent) error {
	if event.CustomerID == "" {
		return nil
	}
	n.Logger.Info("notify sale completed",
		zap.String("sale_number", event.SaleNumber),
		zap.String("customer_id", event.CustomerID),
		zap.String("paid_amount", event.Paid.StringFixed(2)),
	)
	return nil
}

func (n LogNotifier) PaymentReminder(_ context.Context, event domain.SaleEvent, phone string) error {
	n.Logger.Info("notify payment prompt",
		zap.String("sale_number", event.SaleNumber),
		zap.String("phone", maskPhone(phone)),
		zap.String("total_amount", event.Total.StringFixed(2)),
	)
	return nil
}

// LogTaxSubmitter is used when no queue is configured.
type LogTaxSubmitter struct {
	Logger *zap.Logger
}

func (s LogTaxSubmitter) SubmitInvoice(_ context.Context, event domain.SaleEvent) error {
	s.Logger.Info("tax invoice",
		zap.String("sale_number", event.SaleNumber),
		zap.String("tax_amount", event.Tax.StringFixed(2)),
		zap.String("total_amount", event.Total.StringFixed(2)),
	)
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := []byte(phone)
	for i := 0; i < len(masked)-4; i++ {
		masked[i] = '*'
	}
	return string(masked)
}
